// Package transition defines the table of legal RFI status changes and the
// validator that gates them.
package transition

import (
	"fmt"

	"github.com/pitabwire/rfiflow/internal/catalog"
	"github.com/pitabwire/rfiflow/model"
)

// Entry is one legal edge in the status graph.
type Entry struct {
	From               model.Status `json:"from"`
	To                 model.Status `json:"to"`
	Label              string       `json:"label"`
	RequiresValidation bool         `json:"requires_validation"`
	ValidationFields   []Field      `json:"-"`
}

// FieldNames returns the names of the fields validation checks for e.
func (e Entry) FieldNames() []string {
	names := make([]string, 0, len(e.ValidationFields))
	for _, f := range e.ValidationFields {
		names = append(names, f.Name)
	}
	return names
}

type edge struct {
	from, to model.Status
}

// Table is an immutable index of transition entries. It is safe for
// concurrent use.
type Table struct {
	entries  []Entry
	index    map[edge]int
	bySource map[model.Status][]int
}

// NewTable builds a Table from entries in declaration order. It rejects
// duplicate (from,to) pairs, self-loops, validation fields on edges that do
// not require validation, and, when cat is non-nil, statuses missing from the
// catalog.
func NewTable(entries []Entry, cat *catalog.Catalog) (*Table, error) {
	t := &Table{
		entries:  make([]Entry, len(entries)),
		index:    make(map[edge]int, len(entries)),
		bySource: make(map[model.Status][]int),
	}
	copy(t.entries, entries)

	for i, e := range t.entries {
		if e.From == e.To {
			return nil, fmt.Errorf("transition: self-loop on %q", e.From)
		}
		if cat != nil {
			if !cat.HasStatus(e.From) {
				return nil, fmt.Errorf("transition: unknown source status %q", e.From)
			}
			if !cat.HasStatus(e.To) {
				return nil, fmt.Errorf("transition: unknown target status %q", e.To)
			}
		}
		if !e.RequiresValidation && len(e.ValidationFields) > 0 {
			return nil, fmt.Errorf("transition: %s -> %s lists validation fields but does not require validation", e.From, e.To)
		}
		k := edge{e.From, e.To}
		if _, dup := t.index[k]; dup {
			return nil, fmt.Errorf("transition: duplicate edge %s -> %s", e.From, e.To)
		}
		t.index[k] = i
		t.bySource[e.From] = append(t.bySource[e.From], i)
	}
	return t, nil
}

// MustTable is NewTable for startup wiring; it panics on a bad table.
func MustTable(entries []Entry, cat *catalog.Catalog) *Table {
	t, err := NewTable(entries, cat)
	if err != nil {
		panic(err)
	}
	return t
}

// From returns every entry leaving status, in declaration order.
func (t *Table) From(status model.Status) []Entry {
	idx := t.bySource[status]
	out := make([]Entry, 0, len(idx))
	for _, i := range idx {
		out = append(out, t.entries[i])
	}
	return out
}

// IsLegal reports whether from -> to is a table edge.
func (t *Table) IsLegal(from, to model.Status) bool {
	_, ok := t.index[edge{from, to}]
	return ok
}

// Lookup returns the entry for from -> to.
func (t *Table) Lookup(from, to model.Status) (Entry, bool) {
	i, ok := t.index[edge{from, to}]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Entries returns a copy of every entry in declaration order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
