package notifier

import (
	"context"
	"fmt"

	"github.com/italolelis/filequeue/internal/logctx"
	"github.com/italolelis/filequeue/internal/queue"
)

// MessageFor returns the notification for a state, if the state deserves one.
func MessageFor(s queue.State, lastFile string) (string, bool) {
	switch v := s.(type) {
	case queue.Completed:
		msg := "✅ Download finished: " + lastFile
		if v.AuxMetric != nil {
			msg += fmt.Sprintf(" (battery current %.3f A, approximate)", *v.AuxMetric)
		}

		return msg, true
	case queue.Failed:
		return fmt.Sprintf("❌ Download failed for %s: %s (%s)", lastFile, v.Message, v.Kind), true
	case queue.AllDownloadsCompleted:
		return "🏁 All downloads completed", true
	default:
		return "", false
	}
}

// Forward sends a notification for every terminal queue state until states closes or ctx ends.
func Forward(ctx context.Context, states <-chan queue.State, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	var lastFile string

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}

			if m, ok := s.(queue.MetadataFetched); ok {
				lastFile = m.FileName
			}

			msg, ok := MessageFor(s, lastFile)
			if !ok {
				continue
			}

			if err := n.Notify(ctx, msg); err != nil {
				logger.Error("failed to send notification", "state", s.Name(), "err", err)
			}
		}
	}
}
