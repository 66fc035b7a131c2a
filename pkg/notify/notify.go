// Package notify delivers execution notifications to external subscribers
// over websockets, server-sent events and Redis pub/sub.
package notify

import (
	"context"
	"errors"

	"github.com/tcmartin/convoflow/pkg/models"
)

// Notifier publishes execution notifications
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Multi fans a notification out to every notifier. All notifiers are tried;
// their errors are joined.
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(ctx context.Context, n models.Notification) error { return nil }
