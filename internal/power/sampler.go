// Package power samples the instantaneous battery current of the host.
// The value is approximate and only attached to download records as an auxiliary metric.
package power

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/italolelis/filequeue/internal/logctx"
)

// DefaultDir is where Linux exposes power supplies.
const DefaultDir = "/sys/class/power_supply"

const microampsPerAmp = 1_000_000

// Sampler reads current_now from the first battery under dir.
type Sampler struct {
	dir string
}

// NewSampler creates a sampler rooted at dir. An empty dir disables sampling.
func NewSampler(dir string) *Sampler {
	return &Sampler{dir: dir}
}

// Sample returns the battery current in amps, or nil when no battery reports one.
func (s *Sampler) Sample(ctx context.Context) *float64 {
	if s == nil || s.dir == "" {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		logger.Debug("power supplies unavailable", "dir", s.dir, "err", err)

		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	for _, name := range names {
		supply := filepath.Join(s.dir, name)

		if kind, err := readTrimmed(filepath.Join(supply, "type")); err == nil && !strings.EqualFold(kind, "Battery") {
			continue
		}

		raw, err := readTrimmed(filepath.Join(supply, "current_now"))
		if err != nil {
			continue
		}

		microamps, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			logger.Debug("invalid current reading", "supply", name, "value", raw)

			continue
		}

		amps := microamps / microampsPerAmp

		return &amps
	}

	return nil
}

func readTrimmed(p string) (string, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(b)), nil
}
