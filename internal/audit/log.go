package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/rfiflow/model"
)

// Log is an append-only sequence of entries keyed by RFI. Entries are never
// changed; the only removal paths are ClearFor and ClearAll, which leave an
// audit_cleared marker behind.
type Log struct {
	name  string
	store Store
	now   func() time.Time
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithClock overrides the timestamp source for entries appended without one.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// NewLog creates a Log named name (used in error messages) over store.
func NewLog(name string, store Store, opts ...LogOption) *Log {
	l := &Log{
		name:  name,
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the log's name.
func (l *Log) Name() string {
	return l.name
}

// Append stores entry, assigning an ID and timestamp when absent. Callers
// treat a returned error as a warning; it never undoes the change the entry
// describes.
func (l *Log) Append(ctx context.Context, entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	if err := l.store.Insert(ctx, entry); err != nil {
		return fmt.Errorf("%s: append %s for %s: %w", l.name, entry.Action, entry.RFIID, err)
	}
	return nil
}

// ListFor returns the entries for rfiID ordered by sequence, then timestamp.
func (l *Log) ListFor(ctx context.Context, rfiID string) ([]model.AuditEntry, error) {
	entries, err := l.store.Query(ctx, rfiID)
	if err != nil {
		return nil, fmt.Errorf("%s: list %s: %w", l.name, rfiID, err)
	}
	sortEntries(entries)
	return entries, nil
}

// ClearFor removes every entry for rfiID, then records the clear itself.
func (l *Log) ClearFor(ctx context.Context, rfiID, actorID string) (int, error) {
	n, err := l.store.DeleteFor(ctx, rfiID)
	if err != nil {
		return 0, fmt.Errorf("%s: clear %s: %w", l.name, rfiID, err)
	}
	return n, l.Append(ctx, model.AuditEntry{
		RFIID:   rfiID,
		ActorID: actorID,
		Action:  model.ActionAuditCleared,
		Detail:  fmt.Sprintf("cleared %d entries", n),
	})
}

// ClearAll removes every entry in the log, then records the clear under
// AllRFIs.
func (l *Log) ClearAll(ctx context.Context, actorID string) (int, error) {
	n, err := l.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: clear all: %w", l.name, err)
	}
	return n, l.Append(ctx, model.AuditEntry{
		RFIID:   AllRFIs,
		ActorID: actorID,
		Action:  model.ActionAuditCleared,
		Detail:  fmt.Sprintf("cleared %d entries", n),
	})
}

func sortEntries(entries []model.AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Seq != entries[j].Seq {
			return entries[i].Seq < entries[j].Seq
		}
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}
