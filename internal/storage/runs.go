package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/KevinKickass/OpenKneaderCore/internal/types"
)

var ErrRunNotFound = errors.New("run not found")

// SaveRun stores a completed run with its stages in one transaction.
func (p *PostgresClient) SaveRun(ctx context.Context, rec *types.RunRecord) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO workorder_runs (id, workorder_id, workorder_name, started_at, completed_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.WorkorderID, rec.WorkorderName, rec.StartedAt, rec.CompletedAt, rec.Status)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, stage := range rec.Stages {
		items, err := json.Marshal(stage.Items)
		if err != nil {
			return fmt.Errorf("failed to marshal stage items: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO workorder_run_stages (run_id, stage_index, mix_time_sec, wall_seconds, items)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (run_id, stage_index) DO NOTHING
		`, rec.ID, stage.Index, stage.MixTimeSec, stage.WallSeconds, items)
		if err != nil {
			return fmt.Errorf("failed to insert stage %d: %w", stage.Index, err)
		}
	}

	return tx.Commit(ctx)
}

// ListRuns returns the latest runs, newest first, without their stages.
func (p *PostgresClient) ListRuns(ctx context.Context, limit int) ([]types.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, workorder_id, workorder_name, started_at, completed_at, status
		FROM workorder_runs
		ORDER BY completed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]types.RunRecord, 0)
	for rows.Next() {
		var rec types.RunRecord
		if err := rows.Scan(&rec.ID, &rec.WorkorderID, &rec.WorkorderName,
			&rec.StartedAt, &rec.CompletedAt, &rec.Status); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// GetRun loads one run including its stages.
func (p *PostgresClient) GetRun(ctx context.Context, id uuid.UUID) (*types.RunRecord, error) {
	var rec types.RunRecord
	err := p.pool.QueryRow(ctx, `
		SELECT id, workorder_id, workorder_name, started_at, completed_at, status
		FROM workorder_runs
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.WorkorderID, &rec.WorkorderName, &rec.StartedAt, &rec.CompletedAt, &rec.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT stage_index, mix_time_sec, wall_seconds, items
		FROM workorder_run_stages
		WHERE run_id = $1
		ORDER BY stage_index
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load stages: %w", err)
	}
	defer rows.Close()

	rec.Stages = make([]types.StageRecord, 0)
	for rows.Next() {
		var stage types.StageRecord
		var items []byte
		if err := rows.Scan(&stage.Index, &stage.MixTimeSec, &stage.WallSeconds, &items); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		if err := json.Unmarshal(items, &stage.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stage items: %w", err)
		}
		rec.Stages = append(rec.Stages, stage)
	}
	return &rec, rows.Err()
}
