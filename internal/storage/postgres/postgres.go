package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DefaultQueryTimeout bounds every repository query. Exceeding it surfaces
// as a stage failure in the orchestrator.
const DefaultQueryTimeout = 30 * time.Second

// Pool wraps pgxpool.Pool for dependency injection and applies the
// per-query timeout.
type Pool struct {
	*pgxpool.Pool
	queryTimeout time.Duration
}

// NewPool creates a new Postgres connection pool.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Pool{Pool: pool, queryTimeout: DefaultQueryTimeout}, nil
}

// Close closes the connection pool.
func (p *Pool) Close() {
	p.Pool.Close()
}

// queryCtx derives the per-query timeout context.
func (p *Pool) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.queryTimeout)
}

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}

	return false
}

// isNotFoundError checks if error indicates no rows found.
func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Numeric columns travel as text so fixed-decimal values round-trip without
// binary float conversion.

func decimalParam(d decimal.Decimal) string {
	return d.String()
}

func nullableDecimalParam(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func scanDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

func scanNullableDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// nullableText maps empty strings to NULL parameters.
func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func textOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
