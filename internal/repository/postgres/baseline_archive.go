package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchids/queuepulse/internal/domain"
)

// BaselineArchive appends every recalculated baseline to Postgres so
// dashboards can chart baseline history beyond the Redis TTL horizon.
type BaselineArchive struct {
	db *pgxpool.Pool
}

func NewBaselineArchive(db *pgxpool.Pool) *BaselineArchive {
	return &BaselineArchive{db: db}
}

// EnsureSchema creates the history table if it does not exist. Called once
// at startup.
func (r *BaselineArchive) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS baseline_history (
			id                  BIGSERIAL PRIMARY KEY,
			connection          TEXT NOT NULL,
			queue               TEXT NOT NULL,
			job_class           TEXT NOT NULL DEFAULT '',
			cpu_percent_per_job DOUBLE PRECISION NOT NULL,
			memory_mb_per_job   DOUBLE PRECISION NOT NULL,
			avg_duration_ms     DOUBLE PRECISION NOT NULL,
			sample_count        BIGINT NOT NULL,
			confidence_score    DOUBLE PRECISION NOT NULL,
			calculated_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_baseline_history_key
			ON baseline_history (connection, queue, job_class, calculated_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDatabaseError, err)
	}
	return nil
}

func (r *BaselineArchive) Insert(ctx context.Context, baseline *domain.Baseline) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO baseline_history (
			connection, queue, job_class,
			cpu_percent_per_job, memory_mb_per_job, avg_duration_ms,
			sample_count, confidence_score, calculated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		baseline.Connection,
		baseline.Queue,
		baseline.JobClass,
		baseline.CpuPercentPerJob,
		baseline.MemoryMbPerJob,
		baseline.AvgDurationMs,
		baseline.SampleCount,
		baseline.ConfidenceScore,
		baseline.CalculatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDatabaseError, err)
	}
	return nil
}

// History returns the most recent archived baselines for one key, newest
// first.
func (r *BaselineArchive) History(ctx context.Context, connection, queue, jobClass string, limit int) ([]*domain.Baseline, error) {
	rows, err := r.db.Query(ctx, `
		SELECT connection, queue, job_class,
		       cpu_percent_per_job, memory_mb_per_job, avg_duration_ms,
		       sample_count, confidence_score, calculated_at
		FROM baseline_history
		WHERE connection = $1 AND queue = $2 AND job_class = $3
		ORDER BY calculated_at DESC
		LIMIT $4
	`, connection, queue, jobClass, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDatabaseError, err)
	}
	defer rows.Close()

	baselines := make([]*domain.Baseline, 0, limit)
	for rows.Next() {
		b := &domain.Baseline{}
		if err := rows.Scan(
			&b.Connection, &b.Queue, &b.JobClass,
			&b.CpuPercentPerJob, &b.MemoryMbPerJob, &b.AvgDurationMs,
			&b.SampleCount, &b.ConfidenceScore, &b.CalculatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrDatabaseError, err)
		}
		baselines = append(baselines, b)
	}
	return baselines, rows.Err()
}
