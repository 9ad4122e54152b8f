package model

import "time"

// AuditAction classifies an audit entry.
type AuditAction string

// Audit actions.
const (
	ActionStatusTransition AuditAction = "status_transition"
	ActionStageTransition  AuditAction = "stage_transition"
	ActionGenericUpdate    AuditAction = "generic_update"
	ActionAuditCleared     AuditAction = "audit_cleared"
	ActionDeleted          AuditAction = "deleted"
)

// SystemActor is the actor ID used for transitions the engine originates.
const SystemActor = "system"

// AuditEntry is one immutable record in an RFI's audit trail or activity feed.
type AuditEntry struct {
	ID        string      `json:"id"`
	RFIID     string      `json:"rfi_id"`
	Seq       int         `json:"seq"`
	Timestamp time.Time   `json:"timestamp"`
	ActorID   string      `json:"actor_id"`
	Action    AuditAction `json:"action"`
	FromState string      `json:"from_state,omitempty"`
	ToState   string      `json:"to_state,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}
