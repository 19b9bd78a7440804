package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PoolOptions bound the connection pool. Overflow connections are
// admitted beyond MaxConns up to MaxConns+Overflow and closed when idle.
type PoolOptions struct {
	MaxConns       int32
	MinConns       int32
	Overflow       int32
	AcquireTimeout time.Duration
}

// NewPool creates a pgx connection pool with pgvector types registered
// on every connection and a liveness check before each checkout.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = opts.MaxConns + opts.Overflow
	cfg.MinConns = opts.MinConns
	if opts.AcquireTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = opts.AcquireTimeout
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	// pre-ping: drop dead connections instead of handing them out
	cfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
