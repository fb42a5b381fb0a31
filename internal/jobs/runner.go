// Package jobs runs durable, uniquely named units of work on top of a JobRepository.
// A job left queued or running by a dead process is picked up again by Recover.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/italolelis/filequeue/internal/broadcast"
	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/storage"
)

// ErrNoHandler is returned when a job is enqueued on a queue nobody registered.
var ErrNoHandler = errors.New("no handler registered for queue")

// Handler executes one job. progress may be called with increasing percentages.
// The returned output is stored even when err is not nil.
type Handler func(ctx context.Context, job *storage.Job, progress func(int)) ([]byte, error)

// Update is a point-in-time view of a job.
type Update struct {
	JobID    string
	State    storage.JobState
	Progress int
	Output   []byte
	Error    string
}

// Terminal reports whether no further updates follow.
func (u Update) Terminal() bool {
	return !u.State.Active()
}

// UpdateFromJob builds an update from a stored job.
func UpdateFromJob(job *storage.Job) Update {
	return Update{
		JobID:    job.ID,
		State:    job.State,
		Progress: job.Progress,
		Output:   job.Output,
		Error:    job.Error,
	}
}

type execution struct {
	job       *storage.Job
	cancel    context.CancelFunc
	done      chan struct{}
	hub       *broadcast.Hub[Update]
	cancelled atomic.Bool
	progress  atomic.Int64
}

// Runner executes jobs in-process and keeps their state in the store.
type Runner struct {
	store      storage.JobRepository
	instanceID string

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	running  map[string]*execution
}

// NewRunner creates a runner. Cancelling ctx, or calling Shutdown, interrupts running
// jobs and leaves them queued for the next process.
func NewRunner(ctx context.Context, store storage.JobRepository, instanceID string) *Runner {
	ctx, stop := context.WithCancel(ctx)

	return &Runner{
		store:      store,
		instanceID: instanceID,
		ctx:        ctx,
		stop:       stop,
		handlers:   make(map[string]Handler),
		running:    make(map[string]*execution),
	}
}

// Register binds a handler to a queue name.
func (r *Runner) Register(queue string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[queue] = h
}

// Enqueue creates a job unless the queue already has an active one, in which case
// the existing job is kept and returned with created set to false.
func (r *Runner) Enqueue(ctx context.Context, queue string, input []byte) (*storage.Job, bool, error) {
	r.mu.Lock()
	_, ok := r.handlers[queue]
	r.mu.Unlock()

	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNoHandler, queue)
	}

	job, created, err := r.store.CreateUnique(ctx, storage.Job{
		ID:    uuid.NewString(),
		Queue: queue,
		Input: input,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	// An active job that is not running here was orphaned; adopt it.
	r.launch(job)

	return job, created, nil
}

// Active returns the queued or running job of a queue, or nil when there is none.
func (r *Runner) Active(ctx context.Context, queue string) (*storage.Job, error) {
	job, err := r.store.ActiveJob(ctx, queue)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query active job: %w", err)
	}

	return job, nil
}

// Observe streams updates of a job, starting with its latest state. The channel is
// closed after the terminal update, or without one when the runner shuts down.
func (r *Runner) Observe(ctx context.Context, jobID string) (<-chan Update, func(), error) {
	r.mu.Lock()
	exec, ok := r.running[jobID]
	r.mu.Unlock()

	if ok {
		ch, cancel := exec.hub.Subscribe()

		return ch, cancel, nil
	}

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	ch := make(chan Update, 1)
	ch <- UpdateFromJob(job)
	close(ch)

	return ch, func() {}, nil
}

// Cancel stops the active job of a queue and waits until it has ended, so the
// queue has no active job when Cancel returns without error.
func (r *Runner) Cancel(ctx context.Context, queue string) error {
	job, err := r.Active(ctx, queue)
	if err != nil || job == nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx)

	r.mu.Lock()
	exec, ok := r.running[job.ID]
	r.mu.Unlock()

	if ok {
		logger.Info("cancelling job", "job_id", job.ID, "queue", queue)

		exec.cancelled.Store(true)
		exec.cancel()

		select {
		case <-exec.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("failed waiting for job %s to stop: %w", job.ID, ctx.Err())
		}
	}

	logger.Info("cancelling job that is not running here", "job_id", job.ID, "queue", queue)

	return r.store.FinishJob(ctx, job.ID, storage.JobCancelled, nil, "cancelled")
}

// Recover relaunches jobs a previous process left unfinished.
func (r *Runner) Recover(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	jobs, err := r.store.UnfinishedJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	for i := range jobs {
		job := jobs[i]

		logger.Info("recovering unfinished job", "job_id", job.ID, "queue", job.Queue, "state", job.State, "progress", job.Progress)

		r.launch(&job)
	}

	return nil
}

// Shutdown interrupts running jobs and waits for them to return.
func (r *Runner) Shutdown() {
	r.stop()
	r.wg.Wait()
}

func (r *Runner) launch(job *storage.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[job.ID]; ok {
		return
	}

	if r.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)

	exec := &execution{
		job:    job,
		cancel: cancel,
		done:   make(chan struct{}),
		hub:    broadcast.NewHub[Update](),
	}
	exec.progress.Store(int64(job.Progress))
	exec.hub.Publish(UpdateFromJob(job))

	r.running[job.ID] = exec

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer cancel()

		r.run(ctx, exec)
	}()
}

func (r *Runner) run(ctx context.Context, exec *execution) {
	job := exec.job
	logger := logctx.LoggerFromContext(ctx).With("job_id", job.ID, "queue", job.Queue)
	ctx = logctx.WithLogger(ctx, logger)

	defer func() {
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()

		exec.hub.Close()
		close(exec.done)
	}()

	// Store writes after the job ends must not be lost to its cancellation.
	storeCtx := context.WithoutCancel(ctx)

	claimed, err := r.store.ClaimJob(ctx, job.ID, r.instanceID)
	if err != nil || !claimed {
		if err != nil {
			logger.Error("failed to claim job", "err", err)
		}

		if latest, getErr := r.store.GetJob(storeCtx, job.ID); getErr == nil {
			exec.hub.Publish(UpdateFromJob(latest))
		}

		return
	}

	exec.hub.Publish(Update{JobID: job.ID, State: storage.JobRunning, Progress: job.Progress})

	r.mu.Lock()
	handler, ok := r.handlers[job.Queue]
	r.mu.Unlock()

	if !ok {
		r.finish(storeCtx, exec, storage.JobFailed, nil, ErrNoHandler.Error())

		return
	}

	progress := func(pct int) {
		exec.progress.Store(int64(pct))

		if err := r.store.UpdateProgress(storeCtx, job.ID, pct); err != nil {
			logger.Warn("failed to store job progress", "err", err)
		}

		exec.hub.Publish(Update{JobID: job.ID, State: storage.JobRunning, Progress: pct})
	}

	output, err := handler(ctx, job, progress)

	// A handler that returned success has committed its work; only unfinished work is requeued.
	switch {
	case err == nil:
		logger.Info("job succeeded")
		r.finish(storeCtx, exec, storage.JobSucceeded, output, "")
	case exec.cancelled.Load():
		logger.Info("job cancelled")
		r.finish(storeCtx, exec, storage.JobCancelled, output, "cancelled")
	case r.ctx.Err() != nil:
		logger.Info("job interrupted by shutdown, requeueing", "progress", exec.progress.Load())

		if err := r.store.RequeueJob(storeCtx, job.ID); err != nil {
			logger.Error("failed to requeue job", "err", err)
		}
	default:
		logger.Error("job failed", "err", err)
		r.finish(storeCtx, exec, storage.JobFailed, output, err.Error())
	}
}

func (r *Runner) finish(ctx context.Context, exec *execution, state storage.JobState, output []byte, errMsg string) {
	if err := r.store.FinishJob(ctx, exec.job.ID, state, output, errMsg); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to finish job", "state", state, "err", err)
	}

	exec.hub.Publish(Update{
		JobID:    exec.job.ID,
		State:    state,
		Progress: int(exec.progress.Load()),
		Output:   output,
		Error:    errMsg,
	})
}
