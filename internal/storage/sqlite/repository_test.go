package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/filequeue/internal/storage"
	"github.com/italolelis/filequeue/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(context.Background(), filepath.Join(t.TempDir(), "state", "filequeue.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func TestInitDB_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filequeue.db")

	db, err := InitDB(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = InitDB(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestDownloadRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(openTestDB(t))

	aux := -0.42
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.RecordDownload(ctx, storage.DownloadRecord{
		FileName:     "a.bin",
		FileURL:      "http://files/getFile/a.bin",
		Size:         1000,
		DurationMs:   1500,
		Checksum:     "deadbeef",
		AuxMetric:    &aux,
		Location:     "file:///data/a.bin",
		DownloadedAt: when,
	}))

	require.NoError(t, repo.RecordDownload(ctx, storage.DownloadRecord{
		FileName: "b.bin",
		FileURL:  "http://files/getFile/b.bin",
		Size:     10,
	}))

	records, err := repo.ListDownloads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "b.bin", records[0].FileName, "most recent first")
	assert.Nil(t, records[0].AuxMetric)
	assert.False(t, records[0].DownloadedAt.IsZero())

	first := records[1]
	assert.Equal(t, "a.bin", first.FileName)
	assert.Equal(t, int64(1000), first.Size)
	assert.Equal(t, int64(1500), first.DurationMs)
	assert.Equal(t, "deadbeef", first.Checksum)
	require.NotNil(t, first.AuxMetric)
	assert.InDelta(t, -0.42, *first.AuxMetric, 1e-9)
	assert.True(t, when.Equal(first.DownloadedAt))

	limited, err := repo.ListDownloads(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJobRepository_CreateUniqueKeepsActiveJob(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(openTestDB(t))

	first, created, err := repo.CreateUnique(ctx, storage.Job{ID: "job-1", Queue: "file-download", Input: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, storage.JobQueued, first.State)
	assert.Equal(t, []byte(`{"a":1}`), first.Input)

	second, created, err := repo.CreateUnique(ctx, storage.Job{ID: "job-2", Queue: "file-download"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "job-1", second.ID)

	other, created, err := repo.CreateUnique(ctx, storage.Job{ID: "job-3", Queue: "other"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "job-3", other.ID)

	require.NoError(t, repo.FinishJob(ctx, "job-1", storage.JobSucceeded, []byte(`{}`), ""))

	third, created, err := repo.CreateUnique(ctx, storage.Job{ID: "job-4", Queue: "file-download"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "job-4", third.ID)
}

func TestJobRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(openTestDB(t))

	_, _, err := repo.CreateUnique(ctx, storage.Job{ID: "job-1", Queue: "q"})
	require.NoError(t, err)

	active, err := repo.ActiveJob(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "job-1", active.ID)

	claimed, err := repo.ClaimJob(ctx, "job-1", "host-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	require.NoError(t, repo.UpdateProgress(ctx, "job-1", 45))

	job, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.JobRunning, job.State)
	assert.Equal(t, 45, job.Progress)
	assert.Equal(t, "host-1", job.LockedBy)

	unfinished, err := repo.UnfinishedJobs(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)

	require.NoError(t, repo.RequeueJob(ctx, "job-1"))

	job, err = repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.JobQueued, job.State)
	assert.Empty(t, job.LockedBy)

	require.NoError(t, repo.FinishJob(ctx, "job-1", storage.JobFailed, []byte(`{"error_kind":"server_error"}`), "boom"))

	job, err = repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, job.State)
	assert.Equal(t, "boom", job.Error)
	assert.JSONEq(t, `{"error_kind":"server_error"}`, string(job.Output))

	claimed, err = repo.ClaimJob(ctx, "job-1", "host-2")
	require.NoError(t, err)
	assert.False(t, claimed, "terminal jobs cannot be claimed")

	_, err = repo.ActiveJob(ctx, "q")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = repo.GetJob(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstrumentedJobRepository_NotFoundIsNotAnError(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	repo := NewInstrumentedJobRepository(openTestDB(t), tel)

	_, err = repo.ActiveJob(context.Background(), "q")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, created, err := repo.CreateUnique(context.Background(), storage.Job{ID: "job-1", Queue: "q"})
	require.NoError(t, err)
	assert.True(t, created)

	active, err := repo.ActiveJob(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "job-1", active.ID)
}

func TestInstrumentedDownloadRepository(t *testing.T) {
	repo := NewInstrumentedDownloadRepository(openTestDB(t), nil)

	require.NoError(t, repo.RecordDownload(context.Background(), storage.DownloadRecord{FileName: "a.bin", FileURL: "u"}))

	records, err := repo.ListDownloads(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
