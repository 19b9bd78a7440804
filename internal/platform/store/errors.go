package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorClass is the closed set of failure kinds the ingestion pipeline
// acts on. Driver errors are mapped to this set exactly once, here.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassRetryable  ErrorClass = "retryable"
	ClassDuplicate  ErrorClass = "duplicate"
	ClassFatal      ErrorClass = "fatal"
	ClassMaxRetries ErrorClass = "max_retries"
	ClassQueueFull  ErrorClass = "queue_full"
)

// ClassifiedError carries an error together with its class.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewClassified wraps err with an explicit class.
func NewClassified(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// retryabler is implemented by errors that know whether they are
// transient (provider errors implement it).
type retryabler interface {
	Retryable() bool
}

// Classify maps an error to the closed taxonomy. Postgres status codes
// are inspected structurally; no message substring matching.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return ClassDuplicate
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization, deadlock
			return ClassRetryable
		case pgErr.Code == "57014": // query_canceled
			return ClassRetryable
		case strings.HasPrefix(pgErr.Code, "08"): // connection exceptions
			return ClassRetryable
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return ClassRetryable
		default:
			return ClassFatal
		}
	}

	var r retryabler
	if errors.As(err, &r) {
		if r.Retryable() {
			return ClassRetryable
		}
		return ClassFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassRetryable
	}

	return ClassFatal
}
