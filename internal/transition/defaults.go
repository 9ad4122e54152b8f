package transition

import (
	"github.com/pitabwire/rfiflow/internal/catalog"
	"github.com/pitabwire/rfiflow/model"
)

// DefaultEntries returns the standard RFI status graph. Order within each
// source status is the order actions are offered to users.
func DefaultEntries() []Entry {
	voidFields := []Field{FieldVoidedReason}
	supersedeFields := []Field{FieldSupersededBy}

	return []Entry{
		// Draft
		{From: model.StatusDraft, To: model.StatusActive, Label: "Activate"},
		{From: model.StatusDraft, To: model.StatusVoided, Label: "Void", RequiresValidation: true, ValidationFields: voidFields},

		// Active
		{From: model.StatusActive, To: model.StatusSent, Label: "Send to Recipient"},
		{From: model.StatusActive, To: model.StatusDraft, Label: "Return to Draft"},
		{From: model.StatusActive, To: model.StatusVoided, Label: "Void", RequiresValidation: true, ValidationFields: voidFields},
		{From: model.StatusActive, To: model.StatusSuperseded, Label: "Supersede", RequiresValidation: true, ValidationFields: supersedeFields},

		// Sent
		{From: model.StatusSent, To: model.StatusResponded, Label: "Record Response"},
		{From: model.StatusSent, To: model.StatusRejected, Label: "Reject", RequiresValidation: true,
			ValidationFields: []Field{FieldRejectionType, FieldRejectionReason}},
		{From: model.StatusSent, To: model.StatusReturned, Label: "Return for Information", RequiresValidation: true,
			ValidationFields: []Field{FieldRejectionReason}},
		{From: model.StatusSent, To: model.StatusOverdue, Label: "Mark Overdue"},
		{From: model.StatusSent, To: model.StatusVoided, Label: "Void", RequiresValidation: true, ValidationFields: voidFields},

		// Overdue
		{From: model.StatusOverdue, To: model.StatusResponded, Label: "Record Response"},
		{From: model.StatusOverdue, To: model.StatusVoided, Label: "Void", RequiresValidation: true, ValidationFields: voidFields},

		// Responded
		{From: model.StatusResponded, To: model.StatusClosed, Label: "Close"},
		{From: model.StatusResponded, To: model.StatusRevised, Label: "Revise"},
		{From: model.StatusResponded, To: model.StatusSent, Label: "Request Clarification"},

		// Rejected / Returned
		{From: model.StatusRejected, To: model.StatusRevised, Label: "Revise"},
		{From: model.StatusReturned, To: model.StatusRevised, Label: "Revise"},

		// Revised
		{From: model.StatusRevised, To: model.StatusActive, Label: "Reactivate"},
		{From: model.StatusRevised, To: model.StatusSuperseded, Label: "Supersede", RequiresValidation: true, ValidationFields: supersedeFields},

		// Closed
		{From: model.StatusClosed, To: model.StatusActive, Label: "Reopen"},
		{From: model.StatusClosed, To: model.StatusSuperseded, Label: "Supersede", RequiresValidation: true, ValidationFields: supersedeFields},
	}
}

// DefaultTable builds the standard table checked against cat.
func DefaultTable(cat *catalog.Catalog) *Table {
	return MustTable(DefaultEntries(), cat)
}
