package transition

import (
	"context"
	"fmt"

	"github.com/pitabwire/rfiflow/model"
)

// Result is the outcome of validating one proposed transition.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`

	// Illegal is set when no table edge matched; Errors then holds the single
	// illegal-transition message.
	Illegal bool `json:"-"`
}

// Err converts a failed Result into an ILLEGAL_TRANSITION or
// VALIDATION_FAILED error. It returns nil when r is valid.
func (r Result) Err(from, to model.Status) error {
	if r.Valid {
		return nil
	}
	if r.Illegal {
		return model.NewIllegalTransitionError(from, to)
	}
	return model.NewValidationFailedError(r.Errors)
}

// RecordGetter fetches a record by ID.
type RecordGetter interface {
	Get(ctx context.Context, id string) (model.RFI, error)
}

// sentRules apply to every transition into StatusSent regardless of the
// entry's own field list.
var sentRules = []Field{FieldDueDate, FieldAssignedTo}

// Validator checks transitions against a Table.
type Validator struct {
	table *Table
}

// NewValidator creates a Validator for table.
func NewValidator(table *Table) *Validator {
	return &Validator{table: table}
}

// Table returns the table the validator checks against.
func (v *Validator) Table() *Table {
	return v.table
}

// Validate decides whether record may move to target. It never mutates
// record and reports every missing field at once.
func (v *Validator) Validate(record *model.RFI, target model.Status) Result {
	entry, ok := v.table.Lookup(record.Status, target)
	if !ok {
		return Result{Illegal: true, Errors: []string{illegalMessage(record.Status, target)}}
	}

	var errs []string
	reported := make(map[string]bool)
	if entry.RequiresValidation {
		for _, f := range entry.ValidationFields {
			if !f.Present(record) {
				errs = append(errs, requiredMessage(f))
				reported[f.Name] = true
			}
		}
	}
	if target == model.StatusSent {
		for _, f := range sentRules {
			if !reported[f.Name] && !f.Present(record) {
				errs = append(errs, requiredMessage(f))
			}
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// ValidateByID fetches the record and validates it. A NOT_FOUND from the
// store is returned as is; any other fetch failure is VALIDATION_UNAVAILABLE.
func (v *Validator) ValidateByID(ctx context.Context, store RecordGetter, id string, target model.Status) (Result, error) {
	rec, err := store.Get(ctx, id)
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			return Result{}, err
		}
		return Result{}, model.NewValidationUnavailableError(err)
	}
	return v.Validate(&rec, target), nil
}

func illegalMessage(from, to model.Status) string {
	return fmt.Sprintf("illegal transition from %s to %s", from, to)
}

func requiredMessage(f Field) string {
	return f.Label + " is required"
}
