// Package notify delivers RFI change notifications to downstream consumers.
// Delivery is best-effort: the engine never waits on or reports a Notifier's
// result.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/rfiflow/model"
)

// Notification kinds.
const (
	KindStatusChanged = "status_changed"
	KindStageChanged  = "stage_changed"
	KindRFIDeleted    = "rfi_deleted"
)

// Notification is the payload handed to a Notifier.
type Notification struct {
	Kind       string       `json:"kind"`
	RFIID      string       `json:"rfi_id"`
	FromStatus model.Status `json:"from_status,omitempty"`
	ToStatus   model.Status `json:"to_status,omitempty"`
	ActorID    string       `json:"actor_id"`
	Reason     string       `json:"reason,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Notifier dispatches a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to a zap logger. It is the default when
// no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs n at info level. It never fails.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("rfi notification",
		zap.String("kind", n.Kind),
		zap.String("rfi_id", n.RFIID),
		zap.String("from_status", string(n.FromStatus)),
		zap.String("to_status", string(n.ToStatus)),
		zap.String("actor_id", n.ActorID),
		zap.String("reason", n.Reason),
		zap.Time("occurred_at", n.OccurredAt),
	)
	return nil
}
