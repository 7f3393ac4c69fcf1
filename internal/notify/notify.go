// Package notify delivers new-message events: into Redis (a TTL'd key plus a
// pub/sub channel) and to websocket subscribers through an in-process hub.
package notify

import (
	"context"
	"errors"

	"github.com/shineum/tempmail-relay/internal/email"
)

// Notifier publishes a notification. Implementations are best effort.
type Notifier interface {
	Publish(ctx context.Context, n email.Notification) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ctx context.Context, n email.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards notifications.
type Noop struct{}

// Publish implements Notifier.
func (Noop) Publish(context.Context, email.Notification) error { return nil }
