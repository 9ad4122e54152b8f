package transition

import (
	"strings"

	"github.com/pitabwire/rfiflow/model"
)

// Field is a typed accessor for a record field that a transition may require.
// Present reports whether the field holds a usable value; Fill copies the
// caller-supplied value from a TransitionExtra onto the record when one was
// given.
type Field struct {
	Name    string
	Label   string
	Present func(r *model.RFI) bool
	Fill    func(r *model.RFI, extra model.TransitionExtra)
}

func textPresent(s string) bool {
	return strings.TrimSpace(s) != ""
}

func fillText(dst *string, src string) {
	if textPresent(src) {
		*dst = src
	}
}

// Known fields.
var (
	FieldDueDate = Field{
		Name:    "due_date",
		Label:   "Due Date",
		Present: func(r *model.RFI) bool { return r.DueDate != nil && !r.DueDate.IsZero() },
		Fill: func(r *model.RFI, e model.TransitionExtra) {
			if e.DueDate != nil && !e.DueDate.IsZero() {
				d := *e.DueDate
				r.DueDate = &d
			}
		},
	}
	FieldAssignedTo = Field{
		Name:    "assigned_to",
		Label:   "Assigned To",
		Present: func(r *model.RFI) bool { return textPresent(r.AssignedTo) },
		Fill:    func(r *model.RFI, e model.TransitionExtra) { fillText(&r.AssignedTo, e.AssignedTo) },
	}
	FieldRejectionType = Field{
		Name:    "rejection_type",
		Label:   "Rejection Type",
		Present: func(r *model.RFI) bool { return textPresent(r.RejectionType) },
		Fill:    func(r *model.RFI, e model.TransitionExtra) { fillText(&r.RejectionType, e.RejectionType) },
	}
	FieldRejectionReason = Field{
		Name:    "rejection_reason",
		Label:   "Rejection Reason",
		Present: func(r *model.RFI) bool { return textPresent(r.RejectionReason) },
		Fill:    func(r *model.RFI, e model.TransitionExtra) { fillText(&r.RejectionReason, e.RejectionReason) },
	}
	FieldVoidedReason = Field{
		Name:    "voided_reason",
		Label:   "Voided Reason",
		Present: func(r *model.RFI) bool { return textPresent(r.VoidedReason) },
		Fill:    func(r *model.RFI, e model.TransitionExtra) { fillText(&r.VoidedReason, e.VoidedReason) },
	}
	FieldSupersededBy = Field{
		Name:    "superseded_by",
		Label:   "Superseded By",
		Present: func(r *model.RFI) bool { return textPresent(r.SupersededBy) },
		Fill:    func(r *model.RFI, e model.TransitionExtra) { fillText(&r.SupersededBy, e.SupersededBy) },
	}
)

// FillIfMissing applies f.Fill only when the record does not already hold a
// value for f.
func (f Field) FillIfMissing(r *model.RFI, extra model.TransitionExtra) {
	if !f.Present(r) {
		f.Fill(r, extra)
	}
}
