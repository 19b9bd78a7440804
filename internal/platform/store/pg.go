package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PG is the PostgreSQL/pgvector implementation of Store.
type PG struct {
	pool      *pgxpool.Pool
	baseConns int32
}

// NewPG creates a Store backed by the given pool. baseConns is the
// configured base pool size; connections beyond it count as overflow.
// The pool must have pgvector types registered (see db.NewPool).
func NewPG(pool *pgxpool.Pool, baseConns int32) *PG {
	return &PG{pool: pool, baseConns: baseConns}
}

const chunkCols = `chunk_id, content, metadata`

func scanChunk(row pgx.Row) (Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.Content, &c.Metadata)
	return c, err
}

func (s *PG) UpsertBatch(ctx context.Context, batch Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if batch.ResourceID != "" && batch.ResourceJSON != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO resources (resource_id, resource_json)
			VALUES ($1, $2)
			ON CONFLICT (resource_id) DO UPDATE SET resource_json = EXCLUDED.resource_json`,
			batch.ResourceID, batch.ResourceJSON)
		if err != nil {
			return fmt.Errorf("upsert resource %s: %w", batch.ResourceID, err)
		}
	}

	for _, c := range batch.Chunks {
		_, err = tx.Exec(ctx, `
			INSERT INTO chunks (chunk_id, content, embedding, metadata)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (chunk_id) DO UPDATE SET
				content = EXCLUDED.content,
				embedding = EXCLUDED.embedding,
				metadata = EXCLUDED.metadata`,
			c.ID, c.Content, pgvector.NewVector(c.Vector), c.Metadata)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert batch: %w", err)
	}
	return nil
}

// filterSQL appends parameterized equality predicates for each metadata
// key, keeping both key and value out of the SQL text.
func filterSQL(filter Filter, args []interface{}) (string, []interface{}) {
	if len(filter) == 0 {
		return "", args
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	// deterministic predicate order
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		args = append(args, k)
		keyIdx := len(args)
		args = append(args, filter[k])
		valIdx := len(args)
		sb.WriteString(" AND metadata->>$" + strconv.Itoa(keyIdx) + " = $" + strconv.Itoa(valIdx))
	}
	return sb.String(), args
}

func (s *PG) DenseSearch(ctx context.Context, vector []float32, k int, filter Filter) ([]ScoredChunk, error) {
	args := []interface{}{pgvector.NewVector(vector)}
	where, args := filterSQL(filter, args)

	args = append(args, k)
	limitIdx := len(args)

	sql := `
		SELECT ` + chunkCols + `, 1 - (embedding <=> $1) AS similarity
		FROM chunks
		WHERE TRUE` + where + `
		ORDER BY embedding <=> $1, chunk_id
		LIMIT $` + strconv.Itoa(limitIdx)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("dense search: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

func (s *PG) SparseSearch(ctx context.Context, query string, k int, filter Filter, phrase bool) ([]ScoredChunk, error) {
	tsquery := "plainto_tsquery('english', $1)"
	if phrase {
		// websearch_to_tsquery copes with code-like tokens ("E11.9")
		tsquery = "websearch_to_tsquery('english', $1)"
	}

	args := []interface{}{query}
	where, args := filterSQL(filter, args)

	args = append(args, k)
	limitIdx := len(args)

	sql := `
		SELECT ` + chunkCols + `, ts_rank(ts_content, ` + tsquery + `) AS rank
		FROM chunks
		WHERE ts_content @@ ` + tsquery + where + `
		ORDER BY rank DESC, chunk_id
		LIMIT $` + strconv.Itoa(limitIdx)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

func (s *PG) FilteredScan(ctx context.Context, filter Filter, anyOf map[string][]string, orderBy string, k int) ([]Chunk, error) {
	var args []interface{}
	where, args := filterSQL(filter, args)

	anyKeys := make([]string, 0, len(anyOf))
	for key := range anyOf {
		anyKeys = append(anyKeys, key)
	}
	sort.Strings(anyKeys)
	for _, key := range anyKeys {
		args = append(args, key)
		keyIdx := len(args)
		args = append(args, anyOf[key])
		valIdx := len(args)
		where += " AND metadata->>$" + strconv.Itoa(keyIdx) + " = ANY($" + strconv.Itoa(valIdx) + ")"
	}

	order := "chunk_id"
	if orderBy != "" {
		args = append(args, orderBy)
		order = "metadata->>$" + strconv.Itoa(len(args)) + " DESC NULLS LAST, chunk_id"
	}

	args = append(args, k)
	limitIdx := len(args)

	sql := `
		SELECT ` + chunkCols + `
		FROM chunks
		WHERE TRUE` + where + `
		ORDER BY ` + order + `
		LIMIT $` + strconv.Itoa(limitIdx)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("filtered scan: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *PG) ResourceJSON(ctx context.Context, resourceIDs []string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT resource_id, resource_json FROM resources WHERE resource_id = ANY($1)`, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("resource json lookup: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string, len(resourceIDs))
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		out[id] = payload
	}
	return out, rows.Err()
}

func (s *PG) Stats(ctx context.Context) (*Stats, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return nil, fmt.Errorf("chunk count: %w", err)
	}
	stat := s.pool.Stat()
	overflow := stat.TotalConns() - s.baseConns
	if overflow < 0 {
		overflow = 0
	}
	return &Stats{
		ChunkCount:   count,
		PoolSize:     stat.TotalConns(),
		PoolAcquired: stat.AcquiredConns(),
		PoolOverflow: overflow,
		PoolIdle:     stat.IdleConns(),
		PoolMaxConns: stat.MaxConns(),
	}, nil
}

func scanScored(rows pgx.Rows) ([]ScoredChunk, error) {
	var out []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		if err := rows.Scan(&sc.ID, &sc.Content, &sc.Metadata, &sc.Score); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
