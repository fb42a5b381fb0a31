package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/filequeue/internal/backend"
	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/power"
	"github.com/italolelis/filequeue/internal/storage"
	"github.com/italolelis/filequeue/internal/transfer"
)

// Executor runs one transfer task.
type Executor interface {
	Execute(ctx context.Context, task transfer.Task, onProgress transfer.ProgressFunc) (*transfer.Result, error)
}

// SuccessReporter notifies the backend that a file was stored.
type SuccessReporter interface {
	ReportSuccess(ctx context.Context, fileName string) (string, error)
}

// Output is what a download job stores when it ends.
type Output struct {
	FileName  string        `json:"file_name"`
	Location  string        `json:"location,omitempty"`
	Size      int64         `json:"size,omitempty"`
	Checksum  string        `json:"checksum,omitempty"`
	AuxMetric *float64      `json:"aux_metric,omitempty"`
	ErrorKind transfer.Kind `json:"error_kind,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// DownloadWorker is the job handler of the download queue.
type DownloadWorker struct {
	executor Executor
	reporter SuccessReporter
	records  storage.DownloadRepository
	sampler  *power.Sampler
}

// NewDownloadWorker wires the worker. records and sampler may be nil.
func NewDownloadWorker(executor Executor, reporter SuccessReporter, records storage.DownloadRepository, sampler *power.Sampler) *DownloadWorker {
	return &DownloadWorker{
		executor: executor,
		reporter: reporter,
		records:  records,
		sampler:  sampler,
	}
}

// Handle runs the transfer described by the job input, then records and reports it.
// Recording and reporting are best effort: the file is already committed.
func (w *DownloadWorker) Handle(ctx context.Context, job *storage.Job, progress func(int)) ([]byte, error) {
	var task transfer.Task
	if err := json.Unmarshal(job.Input, &task); err != nil {
		terr := &transfer.Error{Kind: transfer.KindUnknown, Operation: "decode_task", Message: "invalid task input", Err: err}

		return encodeOutput(Output{ErrorKind: terr.Kind, Message: terr.Message}), terr
	}

	name := task.Metadata.FileName
	// The executor tags its own records with the file name.
	logger := logctx.LoggerFromContext(ctx).With("file_name", name)

	result, err := w.executor.Execute(ctx, task, transfer.ProgressFunc(progress))
	if err != nil {
		return encodeOutput(Output{
			FileName:  name,
			ErrorKind: transfer.KindOf(err),
			Message:   transfer.MessageOf(err),
		}), err
	}

	aux := w.sampler.Sample(ctx)

	if w.records != nil {
		rec := storage.DownloadRecord{
			FileName:     name,
			FileURL:      fileURL(task),
			Size:         result.Size,
			DurationMs:   result.Duration.Milliseconds(),
			Checksum:     result.Checksum,
			AuxMetric:    aux,
			Location:     result.Location,
			DownloadedAt: time.Now().UTC(),
		}

		if err := w.records.RecordDownload(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("failed to record download", "err", err)
		}
	}

	if w.reporter != nil {
		reply, err := w.reporter.ReportSuccess(ctx, name)
		if err != nil {
			logger.Error("failed to report success", "err", err)
		} else {
			logger.Info("reported success", "reply", reply)
		}
	}

	logger.Info("file done", "size", humanize.Bytes(uint64(result.Size)), "location", result.Location)

	return encodeOutput(Output{
		FileName:  name,
		Location:  result.Location,
		Size:      result.Size,
		Checksum:  result.Checksum,
		AuxMetric: aux,
	}), nil
}

// DecodeOutput parses a stored job output. A malformed output yields a zero Output.
func DecodeOutput(b []byte) Output {
	var out Output
	if len(b) > 0 {
		_ = json.Unmarshal(b, &out)
	}

	return out
}

func encodeOutput(out Output) []byte {
	b, err := json.Marshal(out)
	if err != nil {
		return []byte(fmt.Sprintf(`{"file_name":%q}`, out.FileName))
	}

	return b
}

func fileURL(task transfer.Task) string {
	return task.BaseURL + "/getFile/" + backend.EscapePath(task.Metadata.FileName)
}
