// Package storage persists completed workorder runs in PostgreSQL.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KevinKickass/OpenKneaderCore/internal/config"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(ctx context.Context, cfg config.DatabaseConfig) (*PostgresClient, error) {
	return Connect(ctx, cfg.DSN(), cfg.MaxConnections)
}

// Connect opens a pool on dsn and makes sure the schema exists.
func Connect(ctx context.Context, dsn string, maxConns int) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	// Connection testen
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &PostgresClient{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS workorder_runs (
	id             UUID PRIMARY KEY,
	workorder_id   TEXT NOT NULL,
	workorder_name TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workorder_run_stages (
	run_id       UUID NOT NULL REFERENCES workorder_runs(id) ON DELETE CASCADE,
	stage_index  INT NOT NULL,
	mix_time_sec DOUBLE PRECISION NOT NULL,
	wall_seconds DOUBLE PRECISION NOT NULL,
	items        JSONB NOT NULL,
	PRIMARY KEY (run_id, stage_index)
);

CREATE INDEX IF NOT EXISTS workorder_runs_completed_at_idx ON workorder_runs (completed_at DESC);
`

func (p *PostgresClient) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}
