package model

import "time"

// Status is the coarse lifecycle bucket of an RFI.
type Status string

// RFI statuses.
const (
	StatusDraft      Status = "draft"
	StatusActive     Status = "active"
	StatusSent       Status = "sent"
	StatusResponded  Status = "responded"
	StatusClosed     Status = "closed"
	StatusOverdue    Status = "overdue"
	StatusVoided     Status = "voided"
	StatusRevised    Status = "revised"
	StatusReturned   Status = "returned"
	StatusRejected   Status = "rejected"
	StatusSuperseded Status = "superseded"
)

// Stage is a finer-grained sub-state layered on top of Status. The empty
// Stage means "no stage".
type Stage string

// RFI stages.
const (
	StageNone                  Stage = ""
	StageAwaitingResponse      Stage = "awaiting_response"
	StageFieldWorkInProgress   Stage = "field_work_in_progress"
	StageUnderReview           Stage = "under_review"
	StageAwaitingClarification Stage = "awaiting_clarification"
)

// RFI is the record governed by the workflow engine.
type RFI struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Number    string `json:"number,omitempty"`
	Subject   string `json:"subject"`
	Question  string `json:"question,omitempty"`

	Status Status `json:"status"`
	Stage  Stage  `json:"stage,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DateActivated *time.Time `json:"date_activated,omitempty"`
	DateSent      *time.Time `json:"date_sent,omitempty"`
	DateResponded *time.Time `json:"date_responded,omitempty"`
	DateClosed    *time.Time `json:"date_closed,omitempty"`

	DueDate         *time.Time `json:"due_date,omitempty"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	RejectionType   string     `json:"rejection_type,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	VoidedReason    string     `json:"voided_reason,omitempty"`
	SupersededBy    string     `json:"superseded_by,omitempty"`

	Response           string  `json:"response,omitempty"`
	CostImpact         float64 `json:"cost_impact"`
	ScheduleImpactDays int     `json:"schedule_impact_days"`

	CreatedBy string `json:"created_by,omitempty"`
	Version   int    `json:"version"`
}

// NewRFI carries the caller-supplied fields for a new RFI.
type NewRFI struct {
	ProjectID  string     `json:"project_id"`
	Number     string     `json:"number"`
	Subject    string     `json:"subject"`
	Question   string     `json:"question"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`
}

// TransitionExtra carries optional field values a caller may supply with a
// transition (the "send" dialog's due date, a rejection reason, ...).
type TransitionExtra struct {
	DueDate         *time.Time `json:"due_date,omitempty"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	RejectionType   string     `json:"rejection_type,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	VoidedReason    string     `json:"voided_reason,omitempty"`
	SupersededBy    string     `json:"superseded_by,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// FieldUpdate is a generic, non-lifecycle update. Nil pointers are left
// untouched.
type FieldUpdate struct {
	Subject            *string    `json:"subject,omitempty"`
	Question           *string    `json:"question,omitempty"`
	Response           *string    `json:"response,omitempty"`
	CostImpact         *float64   `json:"cost_impact,omitempty"`
	ScheduleImpactDays *int       `json:"schedule_impact_days,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u FieldUpdate) Empty() bool {
	return u.Subject == nil && u.Question == nil && u.Response == nil &&
		u.CostImpact == nil && u.ScheduleImpactDays == nil &&
		u.DueDate == nil && u.AssignedTo == nil
}

// RFIFilters are optional filters for listing RFIs.
type RFIFilters struct {
	ProjectID string
	Status    Status
	Limit     int
	Offset    int
}
