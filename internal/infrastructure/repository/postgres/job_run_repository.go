package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	jobRunColumns = `id, job_name, queue, trigger, attempt, state, error_message, stats, scheduled_at, started_at, finished_at, updated_at`
)

type JobRunRepository struct {
	db *sql.DB
}

func NewJobRunRepository(db *sql.DB) *JobRunRepository {
	return &JobRunRepository{db: db}
}

// CreateRun is idempotent on run ID so a redelivered scheduled run keeps its history.
func (r *JobRunRepository) CreateRun(ctx context.Context, run *domain.JobRun) error {
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO job_runs (`+jobRunColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING
`,
		run.ID, run.JobName, string(run.Queue), string(run.Trigger), run.Attempt, string(run.State), run.Error,
		statsJSON, run.ScheduledAt.UTC(), nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

func (r *JobRunRepository) UpdateRun(ctx context.Context, run *domain.JobRun) error {
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE job_runs
SET attempt = $2, state = $3, error_message = $4, stats = $5, started_at = $6, finished_at = $7, updated_at = $8
WHERE id = $1
`,
		run.ID, run.Attempt, string(run.State), run.Error, statsJSON,
		nullTime(run.StartedAt), nullTime(run.FinishedAt), run.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update job run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job run rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "update job run", fmt.Errorf("id=%s", run.ID))
	}
	return nil
}

func (r *JobRunRepository) GetRun(ctx context.Context, id string) (*domain.JobRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobRunColumns+` FROM job_runs WHERE id = $1`, id)
	run, err := scanJobRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.WrapError(domain.ErrNotFound, "get job run", fmt.Errorf("id=%s", id))
		}
		return nil, fmt.Errorf("get job run: %w", err)
	}
	return &run, nil
}

func (r *JobRunRepository) ListRuns(ctx context.Context, jobName string, limit int) ([]domain.JobRun, error) {
	return r.list(ctx, `
SELECT `+jobRunColumns+`
FROM job_runs
WHERE job_name = $1
ORDER BY scheduled_at DESC
LIMIT $2
`, jobName, clampLimit(limit))
}

func (r *JobRunRepository) ListDead(ctx context.Context, limit int) ([]domain.JobRun, error) {
	return r.list(ctx, `
SELECT `+jobRunColumns+`
FROM job_runs
WHERE state = $1
ORDER BY updated_at DESC
LIMIT $2
`, string(domain.JobDead), clampLimit(limit))
}

func (r *JobRunRepository) list(ctx context.Context, query string, args ...any) ([]domain.JobRun, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.JobRun, 0)
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobRun(row rowScanner) (domain.JobRun, error) {
	var run domain.JobRun
	var queue, trigger, state string
	var statsRaw []byte
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.JobName, &queue, &trigger, &run.Attempt, &state, &run.Error,
		&statsRaw, &run.ScheduledAt, &startedAt, &finishedAt, &run.UpdatedAt,
	)
	if err != nil {
		return domain.JobRun{}, err
	}
	if len(statsRaw) > 0 {
		if err := json.Unmarshal(statsRaw, &run.Stats); err != nil {
			return domain.JobRun{}, fmt.Errorf("unmarshal stats: %w", err)
		}
	}
	run.Queue = domain.QueueClass(queue)
	run.Trigger = domain.TriggerKind(trigger)
	run.State = domain.JobState(state)
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return run, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
