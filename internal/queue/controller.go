// Package queue drives the fetch, transfer, verify, commit and report loop
// and exposes its status as a single observable value.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/italolelis/filequeue/internal/broadcast"
	"github.com/italolelis/filequeue/internal/jobs"
	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/storage"
	"github.com/italolelis/filequeue/internal/telemetry"
	"github.com/italolelis/filequeue/internal/transfer"
)

// Name is the well-known queue identity download jobs run under.
const Name = "file-download"

// MetadataSource is the part of the backend the controller talks to directly.
type MetadataSource interface {
	NextFileMetadata(ctx context.Context) (*transfer.FileMetadata, error)
	SetBaseURL(raw string) bool
	BaseURL() string
}

// JobRunner is the execution substrate download jobs run on.
type JobRunner interface {
	Enqueue(ctx context.Context, queue string, input []byte) (*storage.Job, bool, error)
	Active(ctx context.Context, queue string) (*storage.Job, error)
	Observe(ctx context.Context, jobID string) (<-chan jobs.Update, func(), error)
	Cancel(ctx context.Context, queue string) error
}

// Stager reports how much of a file is already staged locally.
type Stager interface {
	ResumeOffset(fileName string) int64
}

// Controller owns the queue state. Exactly one loop runs at a time.
type Controller struct {
	backend   MetadataSource
	runner    JobRunner
	stager    Stager
	telemetry *telemetry.Telemetry

	ctx  context.Context
	stop context.CancelFunc

	// hub holds the current state and fans changes out.
	hub *broadcast.Hub[State]

	// startMu serializes Start, Reset and Init.
	startMu sync.Mutex

	// mu guards the fields below and every state write.
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController creates a controller in the Idle state. Loops run under ctx.
func NewController(ctx context.Context, src MetadataSource, runner JobRunner, stager Stager, tel *telemetry.Telemetry) *Controller {
	ctx, stop := context.WithCancel(ctx)

	c := &Controller{
		backend:   src,
		runner:    runner,
		stager:    stager,
		telemetry: tel,
		ctx:       ctx,
		stop:      stop,
		hub:       broadcast.NewHub[State](),
	}

	c.hub.Publish(Idle{})

	return c
}

// Status returns the current state without blocking on any in-flight work.
func (c *Controller) Status() State {
	if s, ok := c.hub.Latest(); ok {
		return s
	}

	return Idle{}
}

// Subscribe streams state changes, starting with the current state.
func (c *Controller) Subscribe() (<-chan State, func()) {
	return c.hub.Subscribe()
}

// SetBaseURL changes the backend endpoint. It returns false when the URL is unchanged.
// An in-flight transfer keeps running.
func (c *Controller) SetBaseURL(ctx context.Context, raw string) bool {
	changed := c.backend.SetBaseURL(raw)
	if changed {
		logctx.LoggerFromContext(ctx).Info("base url updated", "base_url", c.backend.BaseURL())
	}

	return changed
}

// Init reconciles with the job store after a restart: an active download job is
// observed again instead of assuming the queue is idle.
func (c *Controller) Init(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	c.set(ctx, Loading{})
	c.mu.Unlock()

	active, err := c.runner.Active(ctx, Name)
	if err != nil {
		c.mu.Lock()
		c.set(ctx, Idle{})
		c.mu.Unlock()

		return fmt.Errorf("failed to query active job: %w", err)
	}

	if active == nil {
		c.mu.Lock()
		c.set(ctx, Idle{})
		c.mu.Unlock()

		return nil
	}

	logger.Info("resuming observation of active job", "job_id", active.ID, "progress", active.Progress)

	c.launch(ctx, active.ID)

	return nil
}

// Start begins draining the queue. It is a no-op while a job is active or a loop
// is running. A blank base URL moves the queue to Failed.
func (c *Controller) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	if c.running() {
		logger.Debug("start ignored, queue is already running")

		return nil
	}

	active, err := c.runner.Active(ctx, Name)
	if err != nil {
		return fmt.Errorf("failed to query active job: %w", err)
	}

	if active != nil {
		logger.Info("start ignored, job already active", "job_id", active.ID)

		c.launch(ctx, active.ID)

		return nil
	}

	if strings.TrimSpace(c.backend.BaseURL()) == "" {
		c.mu.Lock()
		c.gen++
		c.set(ctx, Failed{Message: "base url is not set", Kind: transfer.KindUnknown})
		c.mu.Unlock()

		return nil
	}

	logger.Info("starting download queue", "base_url", c.backend.BaseURL())

	c.launch(ctx, "")

	return nil
}

// Reset cancels any in-flight work and returns to Idle. The staging file of an
// interrupted transfer is kept for a later resume.
func (c *Controller) Reset(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	c.gen++
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	err := c.runner.Cancel(ctx, Name)

	c.mu.Lock()
	c.set(ctx, Idle{})
	c.mu.Unlock()

	logctx.LoggerFromContext(ctx).Info("download queue reset")

	if err != nil {
		return fmt.Errorf("failed to cancel active job: %w", err)
	}

	return nil
}

// Close stops the loop without cancelling the job, then closes subscriptions.
func (c *Controller) Close() {
	c.stop()

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	c.hub.Close()
}

func (c *Controller) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done == nil {
		return false
	}

	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// launch starts a loop generation. A non-empty jobID is observed before fetching more files.
func (c *Controller) launch(ctx context.Context, jobID string) {
	logger := logctx.LoggerFromContext(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen

	loopCtx, cancel := context.WithCancel(logctx.WithLogger(c.ctx, logger))
	done := make(chan struct{})

	c.cancel, c.done = cancel, done

	go func() {
		defer close(done)
		defer cancel()

		c.loop(loopCtx, gen, jobID)
	}()
}

func (c *Controller) loop(ctx context.Context, gen uint64, jobID string) {
	if jobID != "" {
		if !c.setIf(ctx, gen, Enqueued{TaskID: jobID}) || !c.watch(ctx, gen, jobID) {
			return
		}
	}

	for {
		if !c.setIf(ctx, gen, FetchingMetadata{}) {
			return
		}

		meta, err := c.backend.NextFileMetadata(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			if transfer.KindOf(err) == transfer.KindNoMoreFiles {
				logctx.LoggerFromContext(ctx).Info("all downloads completed")
				c.setIf(ctx, gen, AllDownloadsCompleted{})

				return
			}

			logctx.LoggerFromContext(ctx).Error("failed to fetch next file metadata", "err", err)
			c.setIf(ctx, gen, Failed{Message: transfer.MessageOf(err), Kind: transfer.KindOf(err)})

			return
		}

		if !c.setIf(ctx, gen, MetadataFetched{FileName: meta.FileName, FileLength: meta.FileLength, Checksum: meta.Checksum}) {
			return
		}

		task := transfer.Task{
			Metadata:  *meta,
			BaseURL:   c.backend.BaseURL(),
			StartByte: c.stager.ResumeOffset(meta.FileName),
		}

		input, err := json.Marshal(task)
		if err != nil {
			c.setIf(ctx, gen, Failed{Message: "failed to encode task", Kind: transfer.KindUnknown})

			return
		}

		job, _, err := c.runner.Enqueue(ctx, Name, input)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logctx.LoggerFromContext(ctx).Error("failed to enqueue download", "err", err)
			c.setIf(ctx, gen, Failed{Message: err.Error(), Kind: transfer.KindUnknown})

			return
		}

		if !c.setIf(ctx, gen, Enqueued{TaskID: job.ID}) {
			return
		}

		if !c.watch(ctx, gen, job.ID) {
			return
		}
	}
}

// watch mirrors a job into the queue state. It returns true when the job
// succeeded and the loop should fetch the next file.
func (c *Controller) watch(ctx context.Context, gen uint64, jobID string) bool {
	logger := logctx.LoggerFromContext(ctx).With("job_id", jobID)

	updates, unsubscribe, err := c.runner.Observe(ctx, jobID)
	if err != nil {
		logger.Error("failed to observe job", "err", err)
		c.setIf(ctx, gen, Failed{Message: "failed to observe download job", Kind: transfer.KindUnknown})

		return false
	}
	defer unsubscribe()

	last := -1

	for {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				// Runner stopped without a verdict; the job stays queued for the next process.
				return false
			}

			switch u.State {
			case storage.JobQueued:
			case storage.JobRunning:
				if u.Progress > last {
					last = u.Progress
					if !c.setIf(ctx, gen, Progress{Percent: u.Progress}) {
						return false
					}
				}
			case storage.JobSucceeded:
				out := DecodeOutput(u.Output)

				return c.setIf(ctx, gen, Completed{AuxMetric: out.AuxMetric})
			case storage.JobFailed:
				out := DecodeOutput(u.Output)

				kind, msg := out.ErrorKind, out.Message
				if kind == "" {
					kind = transfer.KindUnknown
				}

				if msg == "" {
					msg = u.Error
				}

				c.setIf(ctx, gen, Failed{Message: msg, Kind: kind})

				return false
			case storage.JobCancelled:
				if ctx.Err() == nil {
					c.setIf(ctx, gen, Failed{Message: "download cancelled", Kind: transfer.KindCancelled})
				}

				return false
			}
		}
	}
}

// setIf writes s unless a newer generation has taken over.
func (c *Controller) setIf(ctx context.Context, gen uint64, s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return false
	}

	c.set(ctx, s)

	return true
}

// set must be called with mu held.
func (c *Controller) set(ctx context.Context, s State) {
	c.hub.Publish(s)
	c.telemetry.RecordStateTransition(s.Name())

	logctx.LoggerFromContext(ctx).Debug("queue state changed", "state", s.Name())
}
