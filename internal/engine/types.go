// Package engine implements the reference-resolution and staged-import
// pipeline for course content spreadsheets. It has no UI dependencies and
// talks to persistence only through the Persister contract.
//
// Data flows one way through the pipeline:
//
//	RawRow -> Mapper -> Normalizer -> Resolver -> Validator -> Importer -> Report
//
// Each stage produces a richer view of the records and accumulates Defect
// values for everything it had to reject; nothing short of a catastrophic
// persistence failure stops a run early.
package engine

import (
	"fmt"

	"github.com/coursemill/coursemill/internal/schema"
)

// SourceLocation identifies where a record came from in the input file.
// Retained on every record and defect purely for error reporting.
type SourceLocation struct {
	Sheet string `json:"sheet"`
	Row   int    `json:"row"` // 1-indexed spreadsheet row number
}

func (l SourceLocation) String() string {
	if l.Sheet == "" {
		return fmt.Sprintf("row %d", l.Row)
	}
	return fmt.Sprintf("%s:%d", l.Sheet, l.Row)
}

// EntityRecord is the canonical unit flowing through the pipeline.
//
// SyntheticID and ResolvedParentID are zero until the resolver assigns
// them; they are run-scoped handles used to express parent/child edges
// before real persistence IDs exist and are never sent to the persistence
// layer.
type EntityRecord struct {
	Type             schema.EntityType
	NaturalKey       string
	ParentRef        string
	SyntheticID      int64
	ResolvedParentID int64
	Attributes       map[string]any
	Location         SourceLocation
}

// Attr returns the named attribute as a string, or "" if absent or not a
// string.
func (r EntityRecord) Attr(name string) string {
	if v, ok := r.Attributes[name].(string); ok {
		return v
	}
	return ""
}

// RejectedRecord pairs a record with the defects that disqualified it.
type RejectedRecord struct {
	Record  EntityRecord
	Defects []Defect
}
