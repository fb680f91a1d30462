package notifier

import (
	"context"

	"github.com/italolelis/ambiance/internal/download"
	"github.com/italolelis/ambiance/internal/freesound"
	"github.com/italolelis/ambiance/internal/logctx"
)

// ForwardFailures relays failed fetches to n until ctx is cancelled or
// failures is closed. A nil n only drains the channel.
func ForwardFailures(ctx context.Context, failures <-chan download.Failure, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-failures:
			if !ok {
				return
			}

			if n == nil {
				continue
			}

			msg := "❌ Download failed for " + freesound.DisplayName(f.Source) + " (" + f.Source + "): " + f.Err.Error()

			if err := n.Notify(ctx, msg); err != nil {
				logger.Error("failed to send notification", "source", f.Source, "err", err)
			}
		}
	}
}
