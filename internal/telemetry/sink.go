package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists stage records for completed runs. Callers treat a
// save failure as log-only: telemetry loss must never fail the user-visible
// response.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// Migrate creates the stage_records table if it doesn't exist.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stage_records (
			id          BIGSERIAL PRIMARY KEY,
			run_id      UUID         NOT NULL,
			stage       VARCHAR(100) NOT NULL,
			status      VARCHAR(20)  NOT NULL,
			started_at  TIMESTAMPTZ,
			ended_at    TIMESTAMPTZ,
			duration_ms BIGINT       NOT NULL DEFAULT 0,
			usage       JSONB,
			detail      JSONB,
			saved_at    TIMESTAMPTZ  DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("stage_records migrate: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS stage_records_run_idx ON stage_records (run_id)`)
	return err
}

// SaveBatch stores every stage record of one run.
func (s *PostgresSink) SaveBatch(ctx context.Context, runID string, records []*StageRecord) error {
	for _, r := range records {
		usage, err := json.Marshal(r.Usage)
		if err != nil {
			return fmt.Errorf("stage %s: marshal usage: %w", r.Name, err)
		}
		detail, err := json.Marshal(r.Detail)
		if err != nil {
			return fmt.Errorf("stage %s: marshal detail: %w", r.Name, err)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO stage_records (run_id, stage, status, started_at, ended_at, duration_ms, usage, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			runID, r.Name, string(r.Status), nullableTime(r.StartedAt), nullableTime(r.EndedAt),
			r.Duration.Milliseconds(), usage, detail,
		)
		if err != nil {
			return fmt.Errorf("stage %s: insert: %w", r.Name, err)
		}
	}
	return nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
