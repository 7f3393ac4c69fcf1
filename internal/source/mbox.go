package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	mboxlib "github.com/emersion/go-mbox"
)

// ReplayOptions configures an mbox replay.
type ReplayOptions struct {
	// Recipient overrides the address taken from each message's headers.
	Recipient string
	Logger    *slog.Logger
	Now       func() time.Time
}

// ReplayStats counts the outcome of a replay.
type ReplayStats struct {
	Handled   int
	Skipped   int
	Forwarded int
	Codes     int
}

// Replay runs one pipeline invocation for every message in the mbox stream
// r, in order. Messages without a recipient are skipped.
func Replay(ctx context.Context, r io.Reader, handler Handler, opts ReplayOptions) (ReplayStats, error) {
	var stats ReplayStats
	if handler == nil {
		return stats, errors.New("replay requires a handler")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("message %d: %w", idx, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return stats, fmt.Errorf("message %d read: %w", idx, err)
		}

		msg, err := NewInbound(raw, opts.Recipient, now())
		if err != nil {
			logger.Warn("skipping mbox message", "index", idx, "error", err)
			stats.Skipped++
			continue
		}

		res := handler.Handle(ctx, msg)
		stats.Handled++
		if res.Forwarded {
			stats.Forwarded++
		}
		if res.Code != "" {
			stats.Codes++
		}
	}
}
