package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/rfiflow/model"
)

// MemoryRecordStore is an in-memory RecordStore for tests and single-node
// deployments.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]model.RFI // key: RFI ID
	now     func() time.Time
}

// NewMemoryRecordStore creates a new in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]model.RFI),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new RFI.
func (s *MemoryRecordStore) Create(_ context.Context, rfi model.RFI) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rfi.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("rfi %q already exists", rfi.ID))
	}

	s.records[rfi.ID] = cloneRFI(rfi)
	return nil
}

// Get retrieves an RFI by ID.
func (s *MemoryRecordStore) Get(_ context.Context, id string) (model.RFI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rfi, exists := s.records[id]
	if !exists {
		return model.RFI{}, notFound(id)
	}
	return cloneRFI(rfi), nil
}

// UpdateIfStatus writes the lifecycle columns while the stored status equals
// expected and the stored version equals rfi.Version.
func (s *MemoryRecordStore) UpdateIfStatus(_ context.Context, rfi model.RFI, expected model.Status) (model.RFI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[rfi.ID]
	if !exists {
		return model.RFI{}, notFound(rfi.ID)
	}
	if existing.Status != expected {
		return model.RFI{}, model.NewConflictError(
			fmt.Sprintf("rfi %q status conflict (expected %s, found %s)", rfi.ID, expected, existing.Status),
		)
	}
	if existing.Version != rfi.Version {
		return model.RFI{}, model.NewConflictError(
			fmt.Sprintf("rfi %q version conflict (expected %d, found %d)", rfi.ID, rfi.Version, existing.Version),
		)
	}

	existing.Status = rfi.Status
	existing.Stage = rfi.Stage
	existing.DateActivated = cloneTime(rfi.DateActivated)
	existing.DateSent = cloneTime(rfi.DateSent)
	existing.DateResponded = cloneTime(rfi.DateResponded)
	existing.DateClosed = cloneTime(rfi.DateClosed)
	existing.DueDate = cloneTime(rfi.DueDate)
	existing.AssignedTo = rfi.AssignedTo
	existing.RejectionType = rfi.RejectionType
	existing.RejectionReason = rfi.RejectionReason
	existing.VoidedReason = rfi.VoidedReason
	existing.SupersededBy = rfi.SupersededBy
	existing.UpdatedAt = s.now()
	existing.Version++

	s.records[rfi.ID] = existing
	return cloneRFI(existing), nil
}

// UpdateIfVersion writes the editable columns while the stored version equals
// rfi.Version.
func (s *MemoryRecordStore) UpdateIfVersion(_ context.Context, rfi model.RFI) (model.RFI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[rfi.ID]
	if !exists {
		return model.RFI{}, notFound(rfi.ID)
	}
	if existing.Version != rfi.Version {
		return model.RFI{}, model.NewConflictError(
			fmt.Sprintf("rfi %q version conflict (expected %d, found %d)", rfi.ID, rfi.Version, existing.Version),
		)
	}

	existing.Subject = rfi.Subject
	existing.Question = rfi.Question
	existing.Response = rfi.Response
	existing.CostImpact = rfi.CostImpact
	existing.ScheduleImpactDays = rfi.ScheduleImpactDays
	existing.DueDate = cloneTime(rfi.DueDate)
	existing.AssignedTo = rfi.AssignedTo
	existing.Stage = rfi.Stage
	existing.UpdatedAt = s.now()
	existing.Version++

	s.records[rfi.ID] = existing
	return cloneRFI(existing), nil
}

// FindSentPastDue returns sent RFIs due before now.
func (s *MemoryRecordStore) FindSentPastDue(_ context.Context, now time.Time) ([]model.RFI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RFI
	for _, rfi := range s.records {
		if rfi.Status != model.StatusSent {
			continue
		}
		if rfi.DueDate == nil || !rfi.DueDate.Before(now) {
			continue
		}
		result = append(result, cloneRFI(rfi))
	}

	// Sort by due_date ascending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueDate.Before(*result[j].DueDate)
	})

	return result, nil
}

// List returns RFIs matching filters, newest first.
func (s *MemoryRecordStore) List(_ context.Context, filters model.RFIFilters) ([]model.RFI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.RFI{}
	for _, rfi := range s.records {
		if filters.ProjectID != "" && rfi.ProjectID != filters.ProjectID {
			continue
		}
		if filters.Status != "" && rfi.Status != filters.Status {
			continue
		}
		result = append(result, cloneRFI(rfi))
	}

	// Sort by created_at descending, ID as tie-break for a stable page order.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.RFI{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, nil
}

// Delete removes an RFI.
func (s *MemoryRecordStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; !exists {
		return notFound(id)
	}
	delete(s.records, id)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryRecordStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of records. For testing.
func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func notFound(id string) error {
	return model.NewNotFoundError(fmt.Sprintf("rfi %q not found", id))
}

// cloneRFI copies the time pointers so callers cannot mutate stored state.
func cloneRFI(r model.RFI) model.RFI {
	r.DateActivated = cloneTime(r.DateActivated)
	r.DateSent = cloneTime(r.DateSent)
	r.DateResponded = cloneTime(r.DateResponded)
	r.DateClosed = cloneTime(r.DateClosed)
	r.DueDate = cloneTime(r.DueDate)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
