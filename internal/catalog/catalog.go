// Package catalog holds the display metadata for every RFI status and stage.
// A Catalog is a frozen value built at startup and shared read-only.
package catalog

import (
	"fmt"
	"slices"

	"github.com/pitabwire/rfiflow/model"
)

// Metadata describes one status or stage value for display.
type Metadata struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// StageMetadata adds the statuses a stage may be combined with.
type StageMetadata struct {
	Metadata
	Statuses []model.Status `json:"statuses"`
}

// Catalog is an immutable lookup of status and stage metadata.
type Catalog struct {
	statuses    map[model.Status]Metadata
	stages      map[model.Stage]StageMetadata
	statusOrder []model.Status
	stageOrder  []model.Stage
}

// New builds a Catalog. Declaration order is preserved for listing. Duplicate
// values and stages referencing unknown statuses are rejected.
func New(statuses []Metadata, stages []StageMetadata) (*Catalog, error) {
	c := &Catalog{
		statuses: make(map[model.Status]Metadata, len(statuses)),
		stages:   make(map[model.Stage]StageMetadata, len(stages)),
	}
	for _, m := range statuses {
		s := model.Status(m.Value)
		if _, dup := c.statuses[s]; dup {
			return nil, fmt.Errorf("catalog: duplicate status %q", m.Value)
		}
		c.statuses[s] = m
		c.statusOrder = append(c.statusOrder, s)
	}
	for _, m := range stages {
		st := model.Stage(m.Value)
		if st == model.StageNone {
			return nil, fmt.Errorf("catalog: stage value must not be empty")
		}
		if _, dup := c.stages[st]; dup {
			return nil, fmt.Errorf("catalog: duplicate stage %q", m.Value)
		}
		for _, s := range m.Statuses {
			if _, ok := c.statuses[s]; !ok {
				return nil, fmt.Errorf("catalog: stage %q references unknown status %q", m.Value, s)
			}
		}
		c.stages[st] = m
		c.stageOrder = append(c.stageOrder, st)
	}
	return c, nil
}

// DescribeStatus returns the metadata for s, or an UNKNOWN_STATE error.
func (c *Catalog) DescribeStatus(s model.Status) (Metadata, error) {
	m, ok := c.statuses[s]
	if !ok {
		return Metadata{}, model.NewUnknownStateError("status", string(s))
	}
	return m, nil
}

// DescribeStage returns the metadata for st, or an UNKNOWN_STATE error.
func (c *Catalog) DescribeStage(st model.Stage) (StageMetadata, error) {
	m, ok := c.stages[st]
	if !ok {
		return StageMetadata{}, model.NewUnknownStateError("stage", string(st))
	}
	return m, nil
}

// MustDescribeStatus is DescribeStatus for values known at compile time.
// It panics on an unknown status.
func (c *Catalog) MustDescribeStatus(s model.Status) Metadata {
	m, err := c.DescribeStatus(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MustDescribeStage panics on an unknown stage.
func (c *Catalog) MustDescribeStage(st model.Stage) StageMetadata {
	m, err := c.DescribeStage(st)
	if err != nil {
		panic(err)
	}
	return m
}

// HasStatus reports whether s is a catalogued status.
func (c *Catalog) HasStatus(s model.Status) bool {
	_, ok := c.statuses[s]
	return ok
}

// StageAllowed reports whether stage st may be held while in status s.
// StageNone is allowed with every status.
func (c *Catalog) StageAllowed(st model.Stage, s model.Status) bool {
	if st == model.StageNone {
		return true
	}
	m, ok := c.stages[st]
	if !ok {
		return false
	}
	return slices.Contains(m.Statuses, s)
}

// Statuses returns all status metadata in declaration order.
func (c *Catalog) Statuses() []Metadata {
	out := make([]Metadata, 0, len(c.statusOrder))
	for _, s := range c.statusOrder {
		out = append(out, c.statuses[s])
	}
	return out
}

// Stages returns all stage metadata in declaration order.
func (c *Catalog) Stages() []StageMetadata {
	out := make([]StageMetadata, 0, len(c.stageOrder))
	for _, st := range c.stageOrder {
		out = append(out, c.stages[st])
	}
	return out
}
