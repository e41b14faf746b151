// Package postgres wraps a pgx connection pool together with a squirrel
// statement builder configured for dollar placeholders.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"
)

const (
	_defaultMaxPoolSize    = 10
	_defaultConnAttempts   = 5
	_defaultBaseRetryDelay = 200 * time.Millisecond
	_defaultRetryBackoff   = 2
	_defaultConnLifetime   = time.Hour
	_defaultConnIdleTime   = 30 * time.Minute
)

// QueryExecuter is satisfied by *Postgres, *pgxpool.Pool and pgx.Tx, so a
// repository method runs the same way inside and outside a transaction.
type QueryExecuter interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	squirrel.StatementBuilderType

	Pool *pgxpool.Pool

	maxPoolSize    int
	connAttempts   int
	baseRetryDelay time.Duration
	retryBackoff   float64
	log            *zap.Logger
}

// New opens a pool and pings it under a retry.Strategy built from
// connAttempts, baseRetryDelay and retryBackoff.
func New(ctx context.Context, dsn string, log *zap.Logger, opts ...Option) (*Postgres, error) {
	const op = "postgres.New"

	pg := &Postgres{
		StatementBuilderType: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		maxPoolSize:          _defaultMaxPoolSize,
		connAttempts:         _defaultConnAttempts,
		baseRetryDelay:       _defaultBaseRetryDelay,
		retryBackoff:         _defaultRetryBackoff,
		log:                  log,
	}
	for _, opt := range opts {
		opt(pg)
	}
	if err := pg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: parse dsn: %w", op, err)
	}
	cfg.MaxConns = int32(pg.maxPoolSize) //nolint:gosec // bounded by validate
	cfg.MaxConnLifetime = _defaultConnLifetime
	cfg.MaxConnIdleTime = _defaultConnIdleTime
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement

	pg.Pool, err = pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: create pool: %w", op, err)
	}

	attempt := 0
	err = retry.DoContext(ctx, pg.strategy(), func() error {
		attempt++
		pingErr := pg.Pool.Ping(ctx)
		if pingErr != nil {
			log.Warn("postgres is not ready",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", pg.connAttempts),
				zap.Error(pingErr),
			)
		}
		return pingErr
	})
	if err != nil {
		pg.Pool.Close()
		return nil, fmt.Errorf("%s: ping after %d attempts: %w", op, attempt, err)
	}

	return pg, nil
}

func (p *Postgres) strategy() retry.Strategy {
	return retry.Strategy{
		Attempts: p.connAttempts,
		Delay:    p.baseRetryDelay,
		Backoff:  p.retryBackoff,
	}
}

func (p *Postgres) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.Pool.Exec(ctx, sql, args...)
}

func (p *Postgres) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.Pool.Query(ctx, sql, args...)
}

func (p *Postgres) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.Pool.QueryRow(ctx, sql, args...)
}

// WithTx runs fn in a transaction and commits when it returns nil.
func (p *Postgres) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	const op = "postgres.WithTx"

	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.log.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}

	return nil
}

func (p *Postgres) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}
