package engine

import (
	"time"

	"github.com/coursemill/coursemill/internal/schema"
)

// RunStatus is the terminal state of an import run.
type RunStatus string

const (
	StatusCommitted RunStatus = "committed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// TypeCounts aggregates per-entity-type outcomes for one run.
type TypeCounts struct {
	Attempted int `json:"attempted"`
	Imported  int `json:"imported"`
	Rejected  int `json:"rejected"`
	Skipped   int `json:"skipped"`
}

// Report is the structured result returned to the caller after a run. It
// is pure aggregation: counts per entity type, every defect from every
// stage, and the overall status.
type Report struct {
	RunID    string                           `json:"runId"`
	Status   RunStatus                        `json:"status"`
	Counts   map[schema.EntityType]TypeCounts `json:"counts"`
	Defects  []Defect                         `json:"defects"`
	Started  time.Time                        `json:"started"`
	Duration time.Duration                    `json:"duration"`
}

// BuildReport assembles the final report from the pipeline partitions and
// the importer outcome.
func BuildReport(runID string, prep *Prepared, outcome ImportOutcome, started time.Time) Report {
	counts := make(map[schema.EntityType]TypeCounts, len(schema.HierarchyOrder))
	for _, et := range schema.HierarchyOrder {
		counts[et] = TypeCounts{}
	}

	bump := func(et schema.EntityType, f func(*TypeCounts)) {
		c := counts[et]
		f(&c)
		counts[et] = c
	}

	for _, rec := range prep.Valid {
		bump(rec.Type, func(c *TypeCounts) { c.Attempted++ })
	}
	for _, rej := range prep.Rejected {
		bump(rej.Record.Type, func(c *TypeCounts) { c.Attempted++; c.Rejected++ })
	}
	for et, n := range outcome.Imported {
		bump(et, func(c *TypeCounts) { c.Imported = n })
	}
	for et, n := range outcome.Skipped {
		bump(et, func(c *TypeCounts) { c.Skipped = n })
	}

	defects := make([]Defect, 0, len(prep.Defects)+len(outcome.Defects))
	defects = append(defects, prep.Defects...)
	defects = append(defects, outcome.Defects...)

	return Report{
		RunID:    runID,
		Status:   outcome.Status,
		Counts:   counts,
		Defects:  defects,
		Started:  started,
		Duration: time.Since(started),
	}
}

// TotalImported sums imported counts across all entity types.
func (r Report) TotalImported() int {
	var n int
	for _, c := range r.Counts {
		n += c.Imported
	}
	return n
}

// TotalRejected sums rejected counts across all entity types.
func (r Report) TotalRejected() int {
	var n int
	for _, c := range r.Counts {
		n += c.Rejected
	}
	return n
}
