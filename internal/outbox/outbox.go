// Package outbox runs post-commit side effects (activity feed entries and
// notifications) on a background worker so the caller never waits on them.
package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/rfiflow/internal/audit"
	"github.com/pitabwire/rfiflow/internal/notify"
	"github.com/pitabwire/rfiflow/internal/observability"
	"github.com/pitabwire/rfiflow/model"
)

// Task kinds.
const (
	KindActivity = "activity"
	KindNotify   = "notify"
)

// DefaultBuffer is the queue size used when none is configured.
const DefaultBuffer = 256

// DefaultTaskTimeout bounds a single task.
const DefaultTaskTimeout = 10 * time.Second

// Task is one unit of post-commit work.
type Task struct {
	Kind  string
	RFIID string
	Run   func(ctx context.Context) error
}

// Outbox is a bounded in-memory queue drained by Run. Tasks run with their
// own context derived from context.Background, so cancelling the request
// that enqueued them does not cancel them.
type Outbox struct {
	tasks   chan Task
	pending atomic.Int64
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithTaskTimeout sets the per-task timeout.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Outbox) { o.timeout = d }
}

// WithMetrics records queue depth, drops and failures.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

// New creates an Outbox with room for buffer queued tasks.
func New(buffer int, logger *zap.Logger, opts ...Option) *Outbox {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Outbox{
		tasks:   make(chan Task, buffer),
		timeout: DefaultTaskTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Enqueue adds t without blocking. It returns false and logs a warning when
// the queue is full.
func (o *Outbox) Enqueue(t Task) bool {
	o.pending.Add(1)
	select {
	case o.tasks <- t:
		o.metrics.RecordOutboxEnqueued(t.Kind)
		return true
	default:
		o.pending.Add(-1)
		o.metrics.RecordOutboxDropped(t.Kind)
		o.logger.Warn("outbox full, dropping task",
			zap.String("kind", t.Kind),
			zap.String("rfi_id", t.RFIID),
		)
		return false
	}
}

// Run drains the queue until ctx is cancelled, then runs whatever is still
// queued before returning.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case t := <-o.tasks:
			o.run(t)
		case <-ctx.Done():
			o.drain()
			return nil
		}
	}
}

func (o *Outbox) drain() {
	for {
		select {
		case t := <-o.tasks:
			o.run(t)
		default:
			return
		}
	}
}

func (o *Outbox) run(t Task) {
	defer o.pending.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	err := safeRun(ctx, t)
	o.metrics.RecordOutboxDone(t.Kind, err != nil)
	if err != nil {
		o.logger.Warn("outbox task failed",
			zap.String("kind", t.Kind),
			zap.String("rfi_id", t.RFIID),
			zap.Error(err),
		)
	}
}

func safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

// Pending returns the number of tasks enqueued but not yet finished.
func (o *Outbox) Pending() int {
	return int(o.pending.Load())
}

// Flush blocks until every enqueued task has finished or ctx is done. Run
// must be active in another goroutine.
func (o *Outbox) Flush(ctx context.Context) error {
	tick := time.NewTicker(2 * time.Millisecond)
	defer tick.Stop()
	for o.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

// ActivityTask appends entry to the activity feed.
func ActivityTask(feed *audit.Log, entry model.AuditEntry) Task {
	return Task{
		Kind:  KindActivity,
		RFIID: entry.RFIID,
		Run: func(ctx context.Context) error {
			return feed.Append(ctx, entry)
		},
	}
}

// NotifyTask hands n to notifier.
func NotifyTask(notifier notify.Notifier, n notify.Notification) Task {
	return Task{
		Kind:  KindNotify,
		RFIID: n.RFIID,
		Run: func(ctx context.Context) error {
			return notifier.Notify(ctx, n)
		},
	}
}
