package runtime

import (
	"context"

	"github.com/tcmartin/convoflow/pkg/logging"
	"github.com/tcmartin/convoflow/pkg/metrics"
	"github.com/tcmartin/convoflow/pkg/models"
	"github.com/tcmartin/convoflow/pkg/storage"
)

// Outbox applies the side effects of a committed write: audit logs,
// intents and notifications. Failures are logged and never undo the commit.
type Outbox struct {
	store     storage.ExecutionStore
	messenger Messenger
	notifier  Notifier
	logger    logging.Logger
	metrics   *metrics.Metrics
}

// NewOutbox creates an outbox. Nil messenger and notifier drop their side effects.
func NewOutbox(store storage.ExecutionStore, messenger Messenger, notifier Notifier, logger logging.Logger, m *metrics.Metrics) *Outbox {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Outbox{store: store, messenger: messenger, notifier: notifier, logger: logger, metrics: m}
}

// Record persists audit entries
func (o *Outbox) Record(ctx context.Context, logs []models.ExecutionLog) {
	if len(logs) == 0 || o.store == nil {
		return
	}
	if err := o.store.AppendLogs(ctx, logs...); err != nil {
		o.logger.Error("Failed to append execution logs", logging.F("count", len(logs)), logging.Err(err))
	}
}

// Deliver hands intents to the messenger in order
func (o *Outbox) Deliver(ctx context.Context, intents []models.Intent) {
	if o.messenger == nil {
		return
	}
	for _, intent := range intents {
		if err := o.messenger.Deliver(ctx, intent); err != nil {
			o.logger.Error("Failed to deliver intent", logging.F("kind", intent.Kind()), logging.Err(err))
		}
	}
}

// Notify publishes a notification
func (o *Outbox) Notify(ctx context.Context, n models.Notification) {
	o.metrics.Notification(string(n.Action))
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.logger.Warn("Failed to publish notification",
			logging.F("execution_id", n.ExecutionID),
			logging.F("action", n.Action),
			logging.Err(err))
	}
}

// Changed publishes an update notification when the status or inactivity
// status of an execution differs from its previous state
func (o *Outbox) Changed(ctx context.Context, before, after *models.Execution, reason string) {
	if before != nil && before.Status == after.Status && before.InactivityStatus == after.InactivityStatus {
		return
	}
	o.Notify(ctx, models.NewNotification(after, models.ActionUpdate, reason, after.UpdatedAt))
}
