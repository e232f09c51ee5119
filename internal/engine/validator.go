package engine

// validator.go partitions resolved records into valid and rejected sets.
//
// Checks applied, per entity type from the schema registry:
//   - required attributes are non-empty after normalization
//   - every question has at least one resolved answer child
//   - children of a rejected parent become distinct dependent-rejections
//     so the report can explain the skip instead of silently dropping them
//
// Nothing is mutated, only partitioned, keeping the pipeline idempotent
// and testable stage by stage.

import (
	"fmt"

	"github.com/coursemill/coursemill/internal/schema"
)

// Validate partitions resolved records into two disjoint sets. The input
// must already be in hierarchy order with synthetic IDs assigned (the
// resolver's output).
func Validate(records []EntityRecord) (valid []EntityRecord, rejected []RejectedRecord) {
	// Count resolved answers per question up front so the no-answers
	// check sees every answer row that survived resolution.
	answerCount := make(map[int64]int)
	for _, rec := range records {
		if rec.Type == schema.EntityAnswer {
			answerCount[rec.ResolvedParentID]++
		}
	}

	rejectedIDs := make(map[int64]bool)

	for _, rec := range records {
		var defects []Defect

		// A structurally valid child of a rejected parent is surfaced as
		// a dependent rejection, not re-validated into a confusing error.
		if rec.ResolvedParentID != 0 && rejectedIDs[rec.ResolvedParentID] {
			parentType, _ := rec.Type.Parent()
			defects = append(defects, recordDefect(StageValidator, DefectDependentRejection, rec,
				fmt.Sprintf("skipped because its %s was invalid", parentType)))
			rejectedIDs[rec.SyntheticID] = true
			rejected = append(rejected, RejectedRecord{Record: rec, Defects: defects})
			continue
		}

		spec, _ := schema.Get(rec.Type)
		for _, name := range spec.RequiredFields() {
			if isEmptyAttr(rec.Attributes[name]) {
				defects = append(defects, Defect{
					Stage:      StageValidator,
					Code:       DefectMissingRequired,
					EntityType: rec.Type,
					NaturalKey: rec.NaturalKey,
					Field:      name,
					Location:   rec.Location,
					Message:    fmt.Sprintf("required field %q is empty", name),
				})
			}
		}

		if rec.Type == schema.EntityQuestion && answerCount[rec.SyntheticID] == 0 {
			defects = append(defects, recordDefect(StageValidator, DefectNoAnswers, rec,
				"question has no answer rows"))
		}

		if len(defects) > 0 {
			rejectedIDs[rec.SyntheticID] = true
			rejected = append(rejected, RejectedRecord{Record: rec, Defects: defects})
			continue
		}
		valid = append(valid, rec)
	}

	return valid, rejected
}

// isEmptyAttr reports whether a normalized attribute counts as empty for
// the required-field check. Zero numbers and false booleans are values,
// not absences; only missing or empty-string attributes fail.
func isEmptyAttr(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}
