package dbcluster

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgBackend is a PostgreSQL backend based on a pgx connection pool. Sessions
// returned by Acquire are *pgxpool.Conn values.
type PgBackend struct {
	Pool *pgxpool.Pool

	acquireTimeout time.Duration
}

func NewPgBackend(ctx context.Context, cfg ServerCfg) (Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse connection url: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxConnections)
	poolCfg.MinConns = int32(cfg.MaxConnections / 10)

	if cfg.ProbeTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ProbeTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool: %w", err)
	}

	b := PgBackend{
		Pool: pool,

		acquireTimeout: cfg.AcquireTimeout,
	}

	return &b, nil
}

func (b *PgBackend) Ping(ctx context.Context) error {
	var one int
	if err := b.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("cannot execute query: %w", err)
	}

	return nil
}

func (b *PgBackend) ActiveConnections(ctx context.Context) (int, error) {
	query := `
SELECT count(*)
  FROM pg_stat_activity
  WHERE state = 'active'
`

	var count int64
	if err := b.Pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("cannot count active connections: %w", err)
	}

	return int(count), nil
}

func (b *PgBackend) ReplicationLag(ctx context.Context) (time.Duration, error) {
	query := `
SELECT COALESCE(EXTRACT(EPOCH FROM now() - pg_last_xact_replay_timestamp()), 0)::float8
`

	var seconds float64
	if err := b.Pool.QueryRow(ctx, query).Scan(&seconds); err != nil {
		return 0, fmt.Errorf("cannot read replication lag: %w", err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

func (b *PgBackend) Acquire(ctx context.Context) (Session, error) {
	stat := b.Pool.Stat()
	if stat.AcquiredConns() >= stat.MaxConns() {
		return nil, fmt.Errorf("all %d connections in use", stat.MaxConns())
	}

	if b.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.acquireTimeout)
		defer cancel()
	}

	conn, err := b.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot acquire connection: %w", err)
	}

	return conn, nil
}

func (b *PgBackend) Close() {
	b.Pool.Close()
}
