package engine

// importer.go persists validated records in strict dependency order:
// courses, sections, quizzes, questions, answers. Each stage substitutes
// resolved synthetic parent IDs with the real IDs returned by the
// persistence layer for the previous stage; synthetic IDs are never sent
// to the persistence layer.
//
// Failure policy is fail-stage, not fail-run: a single record's
// persistence failure excludes its descendants and the stage continues
// with remaining siblings. Only a catastrophic error (persistence layer
// unreachable) aborts the run and triggers rollback. No automatic retries;
// retrying a partially-applied multi-stage import safely would require
// idempotency guarantees the persistence layer does not provide.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coursemill/coursemill/internal/schema"
	"github.com/google/uuid"
)

// Persister is the narrow contract to the persistence layer. Create stores
// one entity and returns its durable identifier; parentID is uuid.Nil for
// courses. Rollback removes everything the given run has stored so far.
type Persister interface {
	Create(ctx context.Context, runID uuid.UUID, entityType schema.EntityType, attrs map[string]any, parentID uuid.UUID) (uuid.UUID, error)
	Rollback(ctx context.Context, runID uuid.UUID) error
}

// ExistingLookup is an optional caller-supplied dedup strategy. When it
// reports an existing entity for a natural key, the record is skipped and
// the existing ID is used as the real parent for its children.
type ExistingLookup func(ctx context.Context, entityType schema.EntityType, naturalKey string) (uuid.UUID, bool, error)

// FatalError marks a persistence failure as catastrophic: the run cannot
// continue and everything imported so far is rolled back.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal persistence error: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// StageState tracks the importer state machine.
type StageState string

const (
	StatePending           StageState = "pending"
	StateCoursesImported   StageState = "courses_imported"
	StateSectionsImported  StageState = "sections_imported"
	StateQuizzesImported   StageState = "quizzes_imported"
	StateQuestionsImported StageState = "questions_imported"
	StateAnswersImported   StageState = "answers_imported"
	StateCommitted         StageState = "committed"
	StateFailed            StageState = "failed"
	StateCancelled         StageState = "cancelled"
)

var stageCompleted = map[schema.EntityType]StageState{
	schema.EntityCourse:   StateCoursesImported,
	schema.EntitySection:  StateSectionsImported,
	schema.EntityQuiz:     StateQuizzesImported,
	schema.EntityQuestion: StateQuestionsImported,
	schema.EntityAnswer:   StateAnswersImported,
}

// ImportOutcome is what the importer hands back to the report builder.
type ImportOutcome struct {
	Status   RunStatus
	State    StageState
	Imported map[schema.EntityType]int
	Skipped  map[schema.EntityType]int
	Defects  []Defect

	// Mapping is the run-scoped synthetic->real ID mapping. Exposed for
	// tests and progress reporting; discarded when the run ends.
	Mapping map[int64]uuid.UUID
}

// Importer drives the staged persistence of one run's valid records. All
// state is run-scoped; construct a fresh Importer per run.
type Importer struct {
	persister Persister
	existing  ExistingLookup
	logger    *slog.Logger

	// OnRecord, if set, is called after each persistence attempt.
	// Used by the run service for progress reporting.
	OnRecord func(entityType schema.EntityType, imported, skipped int)
}

// NewImporter creates an importer bound to a persistence layer.
// existing may be nil to disable skip-existing behavior.
func NewImporter(persister Persister, existing ExistingLookup, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{persister: persister, existing: existing, logger: logger}
}

// Run persists the valid records in hierarchy order. The input must be the
// validator's output: hierarchy-ordered, parent-resolved records only.
//
// Cancellation is checked before every record, so a caller cancel takes
// effect within one record's latency. A cancelled or failed run is rolled
// back before returning, leaving the target store consistent.
func (im *Importer) Run(ctx context.Context, runID uuid.UUID, valid []EntityRecord) ImportOutcome {
	outcome := ImportOutcome{
		Status:   StatusCommitted,
		State:    StatePending,
		Imported: make(map[schema.EntityType]int),
		Skipped:  make(map[schema.EntityType]int),
		Mapping:  make(map[int64]uuid.UUID),
	}

	// Records whose persistence failed; descendants of these are skipped.
	failed := make(map[int64]bool)

	byType := make(map[schema.EntityType][]EntityRecord)
	for _, rec := range valid {
		byType[rec.Type] = append(byType[rec.Type], rec)
	}

	for stageIdx, et := range schema.HierarchyOrder {
		for _, rec := range byType[et] {
			if err := ctx.Err(); err != nil {
				im.logger.Info("import run cancelled",
					"run_id", runID,
					"stage", et,
					"state", outcome.State,
				)
				im.countRemaining(&outcome, byType, stageIdx, rec.SyntheticID)
				im.rollback(ctx, runID, &outcome)
				outcome.Status = StatusCancelled
				outcome.State = StateCancelled
				return outcome
			}

			parentID := uuid.Nil
			if rec.ResolvedParentID != 0 {
				if failed[rec.ResolvedParentID] {
					outcome.Defects = append(outcome.Defects,
						recordDefect(StageImporter, DefectSkippedDueToParentFailure, rec,
							"parent record failed to persist"))
					outcome.Skipped[et]++
					failed[rec.SyntheticID] = true
					im.notify(et, outcome)
					continue
				}
				real, ok := outcome.Mapping[rec.ResolvedParentID]
				if !ok {
					// Validator guarantees this cannot happen; treat it
					// as a systemic invariant violation.
					im.rollback(ctx, runID, &outcome)
					outcome.Status = StatusFailed
					outcome.State = StateFailed
					outcome.Defects = append(outcome.Defects,
						recordDefect(StageImporter, DefectPersistFailed, rec,
							"internal error: parent has no persisted ID"))
					return outcome
				}
				parentID = real
			}

			if im.existing != nil {
				existingID, found, err := im.existing(ctx, et, rec.NaturalKey)
				switch {
				case err != nil:
					// The record is still imported; dedup just did not
					// apply, and the report says so.
					im.logger.Warn("existing-entity lookup failed, importing record",
						"run_id", runID,
						"entity_type", et,
						"natural_key", rec.NaturalKey,
						"error", err,
					)
					outcome.Defects = append(outcome.Defects,
						recordDefect(StageImporter, DefectLookupFailed, rec,
							fmt.Sprintf("existing-entity lookup failed, record imported without dedup: %v", err)))
				case found:
					outcome.Mapping[rec.SyntheticID] = existingID
					outcome.Skipped[et]++
					im.notify(et, outcome)
					continue
				}
			}

			realID, err := im.persister.Create(ctx, runID, et, rec.Attributes, parentID)
			if err != nil {
				var fatal *FatalError
				if errors.As(err, &fatal) {
					im.logger.Error("import run aborted",
						"run_id", runID,
						"stage", et,
						"error", err,
					)
					outcome.Defects = append(outcome.Defects,
						recordDefect(StageImporter, DefectPersistFailed, rec, err.Error()))
					im.countRemaining(&outcome, byType, stageIdx, rec.SyntheticID)
					im.rollback(ctx, runID, &outcome)
					outcome.Status = StatusFailed
					outcome.State = StateFailed
					return outcome
				}

				outcome.Defects = append(outcome.Defects,
					recordDefect(StageImporter, DefectPersistFailed, rec,
						fmt.Sprintf("create %s: %v", et, err)))
				outcome.Skipped[et]++
				failed[rec.SyntheticID] = true
				im.notify(et, outcome)
				continue
			}

			outcome.Mapping[rec.SyntheticID] = realID
			outcome.Imported[et]++
			im.notify(et, outcome)
		}
		outcome.State = stageCompleted[et]
	}

	outcome.State = StateCommitted
	return outcome
}

// countRemaining marks every record at or after the interrupted position
// as skipped. current is the synthetic ID of the record being processed
// when the run stopped; it is included in the count.
func (im *Importer) countRemaining(outcome *ImportOutcome, byType map[schema.EntityType][]EntityRecord, stageIdx int, current int64) {
	reached := false
	for _, et := range schema.HierarchyOrder[stageIdx:] {
		for _, rec := range byType[et] {
			if rec.SyntheticID == current {
				reached = true
			}
			if reached {
				if _, done := outcome.Mapping[rec.SyntheticID]; !done {
					outcome.Skipped[rec.Type]++
				}
			}
		}
		// Later stages were never started; everything there is skipped.
		reached = true
	}
}

// rollback undoes everything the run persisted so far. A rollback failure
// is reported as a defect but does not change the run's terminal status.
func (im *Importer) rollback(ctx context.Context, runID uuid.UUID, outcome *ImportOutcome) {
	// The run context may already be cancelled; rollback still has to run.
	if err := im.persister.Rollback(context.WithoutCancel(ctx), runID); err != nil {
		im.logger.Error("rollback failed", "run_id", runID, "error", err)
		outcome.Defects = append(outcome.Defects, Defect{
			Stage:   StageImporter,
			Code:    DefectPersistFailed,
			Message: fmt.Sprintf("rollback failed: %v", err),
		})
	}
}

func (im *Importer) notify(et schema.EntityType, outcome ImportOutcome) {
	if im.OnRecord != nil {
		im.OnRecord(et, outcome.Imported[et], outcome.Skipped[et])
	}
}
