package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"pitch-pipeline/internal/models"
)

// Queue is the durable job queue over the jobs table. Jobs are only ever
// mutated by the processor; completed and failed rows stay terminal.
type Queue struct {
	pool *pgxpool.Pool
}

// New builds a queue over a shared Postgres pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Type        string
	RecordID    string
	Payload     map[string]any
	Priority    int
	MaxRetries  int
	ScheduledAt time.Time
}

// Enqueue inserts a job row. Failures propagate loudly: a silently lost job
// means a user submission is never fulfilled.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.Type == "" {
		return models.Job{}, errors.New("enqueue: job type is required")
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	now := time.Now().UTC()
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = now
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	_, err = q.pool.Exec(ctx, `
		INSERT INTO jobs (id, record_id, type, payload, status, priority, retry_count, max_retries, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)
	`, id, nilIfEmpty(p.RecordID), p.Type, payloadJSON, models.StatusPending, p.Priority, p.MaxRetries, p.ScheduledAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		RecordID:    p.RecordID,
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.StatusPending,
		Priority:    p.Priority,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: p.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const jobColumns = `j.id, j.record_id, j.type, j.payload, j.status, j.priority, j.retry_count, j.max_retries, j.scheduled_at, j.started_at, j.completed_at, j.error_message, j.created_at, j.updated_at`

// ClaimBatch atomically claims up to limit eligible jobs: pending/retrying
// rows due now, plus processing rows whose worker apparently died (started
// before the staleness cutoff). Row locks with SKIP LOCKED guarantee two
// overlapping invocations never claim the same job.
func (q *Queue) ClaimBatch(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]models.Job, error) {
	staleBefore := now.Add(-staleAfter)
	rows, err := q.pool.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM jobs
			WHERE (status IN ($3, $4) AND scheduled_at <= $1)
			   OR (status = $5 AND started_at IS NOT NULL AND started_at <= $2)
			ORDER BY priority ASC, scheduled_at ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET status = $5, started_at = $1, updated_at = $1
		FROM eligible e
		WHERE j.id = e.id
		RETURNING `+jobColumns, now, staleBefore, models.StatusPending, models.StatusRetrying, models.StatusProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed to follow the CTE's ORDER BY.
	sortByPriority(jobs)
	return jobs, nil
}

// MarkCompleted transitions a processing job to its terminal success state.
func (q *Queue) MarkCompleted(ctx context.Context, id string, now time.Time) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3, error_message = NULL, updated_at = $3
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, now, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkRetrying reschedules a failed attempt with its backoff delay.
func (q *Queue) MarkRetrying(ctx context.Context, id string, retryCount int, nextRun time.Time, errMsg string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, scheduled_at = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusRetrying, retryCount, nextRun, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return nil
}

// MarkFailed transitions a job to its terminal failure state after retries
// are exhausted.
func (q *Queue) MarkFailed(ctx context.Context, id string, retryCount int, now time.Time, errMsg string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, completed_at = $4, error_message = $5, updated_at = $4
		WHERE id = $1 AND status = $6
	`, id, models.StatusFailed, retryCount, now, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// LatestForRecord returns the most recent job referencing a pitch record.
func (q *Queue) LatestForRecord(ctx context.Context, recordID string) (models.Job, bool, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.record_id = $1
		ORDER BY j.created_at DESC
		LIMIT 1
	`, recordID)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("latest job for record: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return models.Job{}, false, err
	}
	if len(jobs) == 0 {
		return models.Job{}, false, nil
	}
	return jobs[0], true, nil
}

// GetJob fetches a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (models.Job, error) {
	rows, err := q.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs j WHERE j.id = $1`, id)
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return models.Job{}, err
	}
	if len(jobs) == 0 {
		return models.Job{}, pgx.ErrNoRows
	}
	return jobs[0], nil
}

// Depth counts jobs eligible to run now.
func (q *Queue) Depth(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status IN ($2, $3) AND scheduled_at <= $1
	`, now, models.StatusPending, models.StatusRetrying).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue depth: %w", err)
	}
	return n, nil
}

func scanJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		var recordID, errMsg pgtype.Text
		var payloadJSON []byte
		var startedAt, completedAt pgtype.Timestamptz

		if err := rows.Scan(&job.ID, &recordID, &job.Type, &payloadJSON, &job.Status, &job.Priority, &job.RetryCount, &job.MaxRetries, &job.ScheduledAt, &startedAt, &completedAt, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		if recordID.Valid {
			job.RecordID = recordID.String
		}
		job.StartedAt = tsPtr(startedAt)
		job.CompletedAt = tsPtr(completedAt)
		job.ErrorMessage = textPtr(errMsg)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func sortByPriority(jobs []models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
