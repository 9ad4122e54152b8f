package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/rfiflow/model"
)

// RecordStore persists RFIs. Every write is conditional so that concurrent
// callers cannot overwrite each other; a write whose condition no longer
// holds returns a CONFLICT error and changes nothing.
type RecordStore interface {
	// Get retrieves an RFI by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, id string) (model.RFI, error)

	// Create persists a new RFI. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, rfi model.RFI) error

	// UpdateIfStatus writes the lifecycle columns of rfi (status, stage,
	// lifecycle timestamps, validation fields) only while the stored status
	// still equals expected and the stored version still equals rfi.Version,
	// so an edit committed after rfi was read is never overwritten. It
	// returns the stored record, whose version has been incremented.
	UpdateIfStatus(ctx context.Context, rfi model.RFI, expected model.Status) (model.RFI, error)

	// UpdateIfVersion writes the editable columns of rfi (descriptive text,
	// response, cost aggregates, due date, assignee, stage) only while the
	// stored version still equals rfi.Version. It returns the stored record.
	UpdateIfVersion(ctx context.Context, rfi model.RFI) (model.RFI, error)

	// FindSentPastDue returns RFIs in status sent whose due date is before
	// now, oldest due date first.
	FindSentPastDue(ctx context.Context, now time.Time) ([]model.RFI, error)

	// List returns RFIs matching filters, newest first.
	List(ctx context.Context, filters model.RFIFilters) ([]model.RFI, error)

	// Delete removes an RFI. Returns NOT_FOUND if it doesn't exist.
	Delete(ctx context.Context, id string) error
}
