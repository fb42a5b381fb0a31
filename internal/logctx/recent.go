package logctx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultRecentCapacity is how many error lines RecentErrors keeps.
const DefaultRecentCapacity = 50

// RecentErrors is an slog.Handler that keeps the last error records in memory
// so operators can read them over the API without shipping logs anywhere.
type RecentErrors struct {
	ring  *ring
	attrs []slog.Attr
	group string
}

type ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRecentErrors creates a handler that retains up to capacity lines.
func NewRecentErrors(capacity int) *RecentErrors {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}

	return &RecentErrors{ring: &ring{lines: make([]string, capacity)}}
}

func (h *RecentErrors) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *RecentErrors) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(r.Time.Format(time.DateTime))
	b.WriteString(" ")
	b.WriteString(r.Level.String())
	b.WriteString(" ")
	b.WriteString(r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}

	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)

		return true
	})

	h.ring.add(b.String())

	return nil
}

func (h *RecentErrors) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)

	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}

		merged = append(merged, a)
	}

	return &RecentErrors{ring: h.ring, attrs: merged, group: h.group}
}

func (h *RecentErrors) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}

	return &RecentErrors{ring: h.ring, attrs: h.attrs, group: group}
}

// Entries returns the retained lines, oldest first.
func (h *RecentErrors) Entries() []string {
	return h.ring.snapshot()
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if group != "" {
		key = group + "." + key
	}

	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}

func (r *ring) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)

	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])

		return out
	}

	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)

	return out
}
