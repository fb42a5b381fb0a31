package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// DownloadRecord is the audit entry written after a file was committed.
type DownloadRecord struct {
	ID           int64     `json:"id"`
	FileName     string    `json:"file_name"`
	FileURL      string    `json:"file_url"`
	Size         int64     `json:"size"`
	DurationMs   int64     `json:"duration_ms"`
	Checksum     string    `json:"checksum"`
	AuxMetric    *float64  `json:"aux_metric,omitempty"`
	Location     string    `json:"location"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// DownloadRepository stores completed download records.
type DownloadRepository interface {
	RecordDownload(ctx context.Context, rec DownloadRecord) error
	ListDownloads(ctx context.Context, limit int) ([]DownloadRecord, error)
}

// JobState is the lifecycle state of a durable job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Active reports whether the job still has work to do.
func (s JobState) Active() bool {
	return s == JobQueued || s == JobRunning
}

// Job is a unit of work persisted so it survives process restarts.
type Job struct {
	ID        string
	Queue     string
	State     JobState
	Progress  int
	Input     []byte
	Output    []byte
	Error     string
	LockedBy  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobRepository persists jobs. At most one active job exists per queue.
type JobRepository interface {
	// CreateUnique inserts job unless the queue already has an active one,
	// in which case the existing job is returned and created is false.
	CreateUnique(ctx context.Context, job Job) (existing *Job, created bool, err error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ActiveJob(ctx context.Context, queue string) (*Job, error)
	ClaimJob(ctx context.Context, id, instanceID string) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	FinishJob(ctx context.Context, id string, state JobState, output []byte, errMsg string) error
	RequeueJob(ctx context.Context, id string) error
	UnfinishedJobs(ctx context.Context) ([]Job, error)
}
