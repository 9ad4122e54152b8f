// Package audit provides the append-only audit trail and activity feed for
// RFIs.
package audit

import (
	"context"

	"github.com/pitabwire/rfiflow/model"
)

// AllRFIs is the RFI ID recorded on entries that describe an operation across
// every RFI, such as a full clear.
const AllRFIs = "*"

// Store persists audit entries. Implementations must be safe for concurrent
// Insert calls.
type Store interface {
	// Insert appends one entry.
	Insert(ctx context.Context, entry model.AuditEntry) error

	// Query returns every entry for an RFI. Order is unspecified.
	Query(ctx context.Context, rfiID string) ([]model.AuditEntry, error)

	// DeleteFor removes every entry for an RFI and returns how many were
	// removed.
	DeleteFor(ctx context.Context, rfiID string) (int, error)

	// DeleteAll removes every entry and returns how many were removed.
	DeleteAll(ctx context.Context) (int, error)
}
