package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/filequeue/internal/storage"
	"github.com/italolelis/filequeue/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// RecordDownload stores a download record with telemetry.
func (r *InstrumentedDownloadRepository) RecordDownload(ctx context.Context, rec storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_download", func(ctx context.Context) error {
		return r.repo.RecordDownload(ctx, rec)
	})
}

// ListDownloads lists download records with telemetry.
func (r *InstrumentedDownloadRepository) ListDownloads(ctx context.Context, limit int) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListDownloads(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// InstrumentedJobRepository wraps JobRepository with telemetry.
type InstrumentedJobRepository struct {
	repo      *JobRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobRepository creates a new instrumented job repository.
func NewInstrumentedJobRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		repo:      NewJobRepository(dbConn),
		telemetry: tel,
	}
}

// CreateUnique creates a job with telemetry.
func (r *InstrumentedJobRepository) CreateUnique(ctx context.Context, job storage.Job) (*storage.Job, bool, error) {
	var (
		result  *storage.Job
		created bool
	)

	err := r.telemetry.InstrumentDBOperation(ctx, "create_job", func(ctx context.Context) error {
		var err error

		result, created, err = r.repo.CreateUnique(ctx, job)

		return err
	})

	return result, created, err
}

// GetJob loads a job with telemetry.
func (r *InstrumentedJobRepository) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	return r.instrumentLookup(ctx, "get_job", func(ctx context.Context) (*storage.Job, error) {
		return r.repo.GetJob(ctx, id)
	})
}

// ActiveJob loads the active job of a queue with telemetry.
func (r *InstrumentedJobRepository) ActiveJob(ctx context.Context, queue string) (*storage.Job, error) {
	return r.instrumentLookup(ctx, "active_job", func(ctx context.Context) (*storage.Job, error) {
		return r.repo.ActiveJob(ctx, queue)
	})
}

// ClaimJob claims a job with telemetry.
func (r *InstrumentedJobRepository) ClaimJob(ctx context.Context, id, instanceID string) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_job", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ClaimJob(ctx, id, instanceID)

		return err
	})

	return result, err
}

// UpdateProgress stores job progress with telemetry.
func (r *InstrumentedJobRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_job_progress", func(ctx context.Context) error {
		return r.repo.UpdateProgress(ctx, id, progress)
	})
}

// FinishJob finishes a job with telemetry.
func (r *InstrumentedJobRepository) FinishJob(ctx context.Context, id string, state storage.JobState, output []byte, errMsg string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "finish_job", func(ctx context.Context) error {
		return r.repo.FinishJob(ctx, id, state, output, errMsg)
	})
}

// RequeueJob requeues a job with telemetry.
func (r *InstrumentedJobRepository) RequeueJob(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "requeue_job", func(ctx context.Context) error {
		return r.repo.RequeueJob(ctx, id)
	})
}

// UnfinishedJobs lists unfinished jobs with telemetry.
func (r *InstrumentedJobRepository) UnfinishedJobs(ctx context.Context) ([]storage.Job, error) {
	var result []storage.Job

	err := r.telemetry.InstrumentDBOperation(ctx, "unfinished_jobs", func(ctx context.Context) error {
		var err error

		result, err = r.repo.UnfinishedJobs(ctx)

		return err
	})

	return result, err
}

// instrumentLookup treats a missing row as a successful query.
func (r *InstrumentedJobRepository) instrumentLookup(
	ctx context.Context, operation string, fn func(ctx context.Context) (*storage.Job, error),
) (*storage.Job, error) {
	var (
		result    *storage.Job
		lookupErr error
	)

	err := r.telemetry.InstrumentDBOperation(ctx, operation, func(ctx context.Context) error {
		result, lookupErr = fn(ctx)
		if lookupErr == storage.ErrNotFound {
			return nil
		}

		return lookupErr
	})
	if err != nil {
		return nil, err
	}

	return result, lookupErr
}
