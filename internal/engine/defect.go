package engine

import (
	"fmt"

	"github.com/coursemill/coursemill/internal/schema"
)

// DefectCode classifies a per-record or per-column problem.
type DefectCode string

const (
	// Configuration defects.
	DefectMappingConflict   DefectCode = "mapping_conflict"
	DefectUnknownEntityType DefectCode = "unknown_entity_type"

	// Normalization defects.
	DefectBadValue DefectCode = "bad_value"

	// Reference defects.
	DefectDuplicateKey        DefectCode = "duplicate_key"
	DefectUnresolvedReference DefectCode = "unresolved_reference"

	// Validation defects.
	DefectMissingRequired    DefectCode = "missing_required_field"
	DefectNoAnswers          DefectCode = "no_answers"
	DefectDependentRejection DefectCode = "dependent_rejection"

	// Import defects.
	DefectPersistFailed             DefectCode = "persist_failed"
	DefectSkippedDueToParentFailure DefectCode = "skipped_due_to_parent_failure"
	DefectLookupFailed              DefectCode = "lookup_failed"
)

// Stage names used to tag defects with their origin.
const (
	StageMapper     = "mapper"
	StageNormalizer = "normalizer"
	StageResolver   = "resolver"
	StageValidator  = "validator"
	StageImporter   = "importer"
)

// Defect records a single problem detected during the pipeline. Defects are
// accumulated into the import report, never thrown past their originating
// stage.
type Defect struct {
	Stage      string            `json:"stage"`
	Code       DefectCode        `json:"code"`
	EntityType schema.EntityType `json:"entityType,omitempty"`
	NaturalKey string            `json:"naturalKey,omitempty"`
	Field      string            `json:"field,omitempty"`
	Value      string            `json:"value,omitempty"`
	Location   SourceLocation    `json:"location"`
	Message    string            `json:"message"`
}

func (d Defect) String() string {
	s := fmt.Sprintf("[%s] %s at %s", d.Stage, d.Code, d.Location)
	if d.NaturalKey != "" {
		s += fmt.Sprintf(" (%s %q)", d.EntityType, d.NaturalKey)
	}
	if d.Message != "" {
		s += ": " + d.Message
	}
	return s
}

// recordDefect builds a defect carrying a record's identity and location.
func recordDefect(stage string, code DefectCode, rec EntityRecord, message string) Defect {
	return Defect{
		Stage:      stage,
		Code:       code,
		EntityType: rec.Type,
		NaturalKey: rec.NaturalKey,
		Location:   rec.Location,
		Message:    message,
	}
}
