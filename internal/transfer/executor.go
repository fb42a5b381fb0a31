package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/italolelis/filequeue/internal/checksum"
	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/progress"
	"github.com/italolelis/filequeue/internal/telemetry"
	"gocloud.dev/gcerrors"
	"golang.org/x/time/rate"
)

const (
	// StagingSuffix marks an incomplete download.
	StagingSuffix = ".part"
	// LockSuffix marks the advisory lock guarding a staging file.
	LockSuffix = ".lock"

	defaultChunkSize = 32 * 1024

	dirPerm  = 0o755
	filePerm = 0o644
)

// Executor performs one resumable transfer: range request, staging, verification and commit.
type Executor struct {
	fetcher    Fetcher
	committer  Committer
	stagingDir string
	chunkSize  int
	telemetry  *telemetry.Telemetry
}

// NewExecutor creates an executor that stages files under stagingDir.
func NewExecutor(fetcher Fetcher, committer Committer, stagingDir string, tel *telemetry.Telemetry) *Executor {
	return &Executor{
		fetcher:    fetcher,
		committer:  committer,
		stagingDir: stagingDir,
		chunkSize:  defaultChunkSize,
		telemetry:  tel,
	}
}

// StagingPath returns the staging file of a file name, rejecting names that escape the staging dir.
func (e *Executor) StagingPath(fileName string) (string, error) {
	clean := filepath.Clean(string(filepath.Separator) + filepath.FromSlash(fileName))
	flat := strings.ReplaceAll(strings.TrimLeft(clean, string(filepath.Separator)), string(filepath.Separator), "_")

	if flat == "" || flat == "." {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}

	return filepath.Join(e.stagingDir, flat+StagingSuffix), nil
}

// ResumeOffset returns how many bytes of fileName are already staged.
func (e *Executor) ResumeOffset(fileName string) int64 {
	p, err := e.StagingPath(fileName)
	if err != nil {
		return 0
	}

	info, err := os.Stat(p)
	if err != nil {
		return 0
	}

	return info.Size()
}

// Execute downloads, verifies and commits one file. Every returned error is an *Error.
// Cancellation and transport failures keep the staging file so the next attempt resumes.
func (e *Executor) Execute(ctx context.Context, task Task, onProgress ProgressFunc) (*Result, error) {
	var result *Result

	err := e.telemetry.InstrumentDownload(ctx, func(ctx context.Context) error {
		var err error

		result, err = e.execute(ctx, task, onProgress)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (e *Executor) execute(ctx context.Context, task Task, onProgress ProgressFunc) (*Result, error) {
	meta := task.Metadata
	logger := logctx.LoggerFromContext(ctx).With("file_name", meta.FileName)
	start := time.Now()

	stagingPath, err := e.StagingPath(meta.FileName)
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Operation: "stage", Message: err.Error(), Err: err}
	}

	if err := os.MkdirAll(e.stagingDir, dirPerm); err != nil {
		return nil, &Error{Kind: KindUnknown, Operation: "stage", Message: "failed to create staging directory", Err: err}
	}

	lock := flock.New(stagingPath + LockSuffix)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, &Error{Kind: KindUnknown, Operation: "stage", Message: "failed to lock staging file", Err: err}
	}

	if !locked {
		return nil, &Error{Kind: KindUnknown, Operation: "stage", Message: "staging file is locked by another transfer"}
	}
	defer lock.Unlock() //nolint:errcheck

	// The staging file is the source of truth for the resume point.
	startByte := e.ResumeOffset(meta.FileName)
	if startByte != task.StartByte {
		logger.Debug("resume offset differs from task", "task_start_byte", task.StartByte, "staged_bytes", startByte)
	}

	if meta.FileLength > 0 && startByte > meta.FileLength {
		logger.Warn("staging file is larger than the advertised length",
			"staged", humanize.Bytes(uint64(startByte)), "advertised", humanize.Bytes(uint64(meta.FileLength)))
	}

	logger.Info("starting transfer", "start_byte", startByte, "file_size", humanize.Bytes(uint64(max(meta.FileLength, 0))))

	resp, err := e.fetcher.DownloadFile(ctx, meta.FileName, startByte)
	if err != nil {
		return nil, asError(ctx, "get_file", err)
	}
	defer resp.Body.Close()

	throttle := progress.NewThrottle()
	report := func(total, length int64, final bool) {
		if pct, ok := throttle.Update(total, length, final); ok && onProgress != nil {
			onProgress(pct)
		}
	}

	var written int64

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && startByte > 0:
		logger.Info("range not satisfiable, staging file is already complete", "staged_bytes", startByte)
		report(startByte, startByte, true)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, StatusError("get_file", resp.StatusCode, readSnippet(resp.Body))
	default:
		resumed := startByte > 0 && resp.StatusCode == http.StatusPartialContent
		if startByte > 0 && !resumed {
			logger.Warn("server ignored the range request, restarting from zero", "status", resp.StatusCode)

			startByte = 0
		}

		length := meta.FileLength
		if resp.ContentLength > 0 {
			length = resp.ContentLength + startByte
		}

		written, err = e.stream(ctx, stagingPath, resp.Body, resumed, startByte, length, report)
		e.telemetry.RecordBytes(written)

		if err != nil {
			return nil, err
		}
	}

	size := startByte + written

	digest, err := checksum.Verify(ctx, stagingPath, meta.Checksum)
	if err != nil {
		var mismatch *checksum.MismatchError
		if errors.As(err, &mismatch) {
			logger.Error("checksum mismatch, discarding staging file", "expected", mismatch.Expected, "actual", mismatch.Actual)
			e.telemetry.RecordChecksumFailure()
			removeStaging(ctx, stagingPath)

			return nil, &Error{Kind: KindChecksumMismatch, Operation: "verify", Message: mismatch.Error(), Err: err}
		}

		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCancelled, Operation: "verify", Message: "download cancelled", Err: err}
		}

		return nil, &Error{Kind: KindUnknown, Operation: "verify", Message: "failed to read staging file", Err: err}
	}

	location, err := e.committer.Commit(ctx, stagingPath, meta.FileName)
	if err != nil {
		if IsTransient(err) {
			logger.Warn("transient commit failure, keeping staging file", "err", err)
		} else {
			logger.Error("commit failed, discarding staging file", "err", err)
			removeStaging(ctx, stagingPath)
		}

		return nil, &Error{Kind: KindStorageError, Operation: "commit", Message: "failed to commit file", Err: err}
	}

	removeStaging(ctx, stagingPath)

	duration := time.Since(start)

	logger.Info("transfer completed",
		"location", location,
		"size", humanize.Bytes(uint64(size)),
		"transferred", humanize.Bytes(uint64(written)),
		"duration", duration.String(),
	)

	return &Result{
		Location:         location,
		BytesTransferred: written,
		Size:             size,
		Checksum:         digest,
		Duration:         duration,
	}, nil
}

// stream appends the body to the staging file, or truncates it when not resuming.
// It returns the bytes written by this call.
func (e *Executor) stream(
	ctx context.Context, stagingPath string, body io.Reader, resume bool, offset, length int64,
	report func(total, length int64, final bool),
) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(stagingPath, flags, filePerm)
	if err != nil {
		return 0, &Error{Kind: KindUnknown, Operation: "stage", Message: "failed to open staging file", Err: err}
	}
	defer out.Close()

	debugLog := rate.Sometimes{Interval: 5 * time.Second}

	reader := progress.NewReader(body, offset, func(total int64) {
		report(total, length, false)
		debugLog.Do(func() {
			logger.Debug("download progress",
				"downloaded", humanize.Bytes(uint64(total)),
				"total", humanize.Bytes(uint64(max(length, 0))),
				"percent", progress.Percent(total, length))
		})
	})

	report(offset, length, false)

	buf := make([]byte, e.chunkSize)

	for {
		select {
		case <-ctx.Done():
			_ = out.Sync()

			return reader.Total() - offset, &Error{Kind: KindCancelled, Operation: "get_file", Message: "download cancelled", Err: ctx.Err()}
		default:
		}

		nr, readErr := reader.Read(buf)
		if nr > 0 {
			nw, writeErr := out.Write(buf[:nr])
			if writeErr == nil && nw != nr {
				writeErr = io.ErrShortWrite
			}

			if writeErr != nil {
				return reader.Total() - offset, &Error{Kind: KindUnknown, Operation: "stage", Message: "failed to write staging file", Err: writeErr}
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			_ = out.Sync()

			return reader.Total() - offset, asError(ctx, "get_file", readErr)
		}
	}

	if err := out.Sync(); err != nil {
		return reader.Total() - offset, &Error{Kind: KindUnknown, Operation: "stage", Message: "failed to sync staging file", Err: err}
	}

	report(reader.Total(), length, true)

	return reader.Total() - offset, nil
}

// IsTransient reports whether a commit failure is worth retrying with the same staging file.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	switch gcerrors.Code(err) {
	case gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted, gcerrors.Internal, gcerrors.Canceled:
		return true
	default:
		return false
	}
}

// asError converts an arbitrary failure into an *Error, treating read failures as transport errors.
func asError(ctx context.Context, operation string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	return TransportError(ctx, operation, err)
}

func removeStaging(ctx context.Context, p string) {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		logctx.LoggerFromContext(ctx).Warn("failed to remove staging file", "path", p, "err", err)
	}
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))

	return strings.TrimSpace(string(b))
}
