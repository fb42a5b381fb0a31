package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/filequeue/internal/storage"
)

const jobColumns = `id, queue, state, progress, input, output, error, locked_by, created_at, updated_at`

// JobRepository stores the durable jobs behind the execution substrate.
type JobRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobRepository(dbConn *sql.DB) *JobRepository {
	return &JobRepository{db: dbConn, now: time.Now}
}

// CreateUnique inserts the job unless its queue already has an active job.
func (r *JobRepository) CreateUnique(ctx context.Context, job storage.Job) (*storage.Job, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue = ? AND state IN ('queued', 'running')`, job.Queue))
	if err == nil {
		return existing, false, nil
	}

	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	now := r.timestamp()
	if job.State == "" {
		job.State = storage.JobQueued
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, state, progress, input, output, error, locked_by, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, NULL, '', '', ?, ?)`,
		job.ID, job.Queue, job.State, job.Input, now, now,
	); err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit job: %w", err)
	}

	created, err := r.GetJob(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}

	return created, true, nil
}

// GetJob loads a job by id.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	return scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// ActiveJob returns the queued or running job of a queue, or storage.ErrNotFound.
func (r *JobRepository) ActiveJob(ctx context.Context, queue string) (*storage.Job, error) {
	return scanJob(r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE queue = ? AND state IN ('queued', 'running')`, queue))
}

// ClaimJob marks an active job as running and owned by instanceID.
func (r *JobRepository) ClaimJob(ctx context.Context, id, instanceID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'running', locked_by = ?, updated_at = ?
		WHERE id = ? AND state IN ('queued', 'running')`,
		instanceID, r.timestamp(), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// UpdateProgress stores the last reported percentage of a running job.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND state = 'running'`,
		progress, r.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// FinishJob moves a job into a terminal state and releases its lock.
func (r *JobRepository) FinishJob(ctx context.Context, id string, state storage.JobState, output []byte, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, output = ?, error = ?, locked_by = '', updated_at = ?
		WHERE id = ? AND state IN ('queued', 'running')`,
		state, output, errMsg, r.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	return nil
}

// RequeueJob releases an interrupted job so the next process picks it up.
func (r *JobRepository) RequeueJob(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'queued', locked_by = '', updated_at = ?
		WHERE id = ? AND state IN ('queued', 'running')`,
		r.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}

	return nil
}

// UnfinishedJobs lists jobs left active, oldest first.
func (r *JobRepository) UnfinishedJobs(ctx context.Context) ([]storage.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state IN ('queued', 'running') ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []storage.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

func (r *JobRepository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*storage.Job, error) {
	var (
		job                  storage.Job
		state                string
		createdAt, updatedAt string
	)

	err := row.Scan(&job.ID, &job.Queue, &state, &job.Progress, &job.Input, &job.Output,
		&job.Error, &job.LockedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.State = storage.JobState(state)
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &job, nil
}
