package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/transfer"
)

// DeleteStaleStagingFiles removes partial downloads not modified within keepDuration.
// Staging files locked by a running transfer are skipped. It returns how many files were removed.
func DeleteStaleStagingFiles(ctx context.Context, dir string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}

		return 0, err
	}

	removed := 0

	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transfer.StagingSuffix) {
			continue
		}

		filePath := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat staging file", "file", filePath, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		lockPath := filePath + transfer.LockSuffix
		lock := flock.New(lockPath)

		locked, err := lock.TryLock()
		if err != nil {
			logger.Warn("failed to lock staging file", "file", filePath, "err", err)

			continue
		}

		if !locked {
			logger.Debug("staging file in use, skipping", "file", filePath)

			continue
		}

		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			_ = lock.Unlock()

			logger.Error("failed to delete stale staging file", "file", filePath, "err", err)

			return removed, err
		}

		_ = lock.Unlock()
		_ = os.Remove(lockPath)

		removed++

		logger.Info("deleted stale staging file",
			"file", filePath,
			"size", humanize.Bytes(uint64(info.Size())),
			"last_modified", humanize.Time(info.ModTime()),
		)
	}

	return removed, nil
}
