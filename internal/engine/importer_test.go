package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/coursemill/coursemill/internal/schema"
	"github.com/google/uuid"
)

// fakePersister is an in-memory Persister for importer tests.
type fakePersister struct {
	mu      sync.Mutex
	created []createdEntity

	// failOn returns a non-nil error for entities that should fail to
	// persist, keyed by the entity's natural key attribute.
	failOn map[string]error

	rollbacks int
}

type createdEntity struct {
	Type     schema.EntityType
	ID       uuid.UUID
	ParentID uuid.UUID
	Attrs    map[string]any
}

func keyAttr(entityType schema.EntityType, attrs map[string]any) string {
	spec, _ := schema.Get(entityType)
	if v, ok := attrs[spec.KeyField].(string); ok {
		return v
	}
	return ""
}

func (f *fakePersister) Create(ctx context.Context, runID uuid.UUID, entityType schema.EntityType, attrs map[string]any, parentID uuid.UUID) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failOn[keyAttr(entityType, attrs)]; ok && err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	f.created = append(f.created, createdEntity{
		Type:     entityType,
		ID:       id,
		ParentID: parentID,
		Attrs:    attrs,
	})
	return id, nil
}

func (f *fakePersister) Rollback(ctx context.Context, runID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks++
	f.created = nil
	return nil
}

func (f *fakePersister) find(t schema.EntityType, key string) (createdEntity, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.created {
		if c.Type == t && keyAttr(t, c.Attrs) == key {
			return c, true
		}
	}
	return createdEntity{}, false
}

// validChain returns a resolved, validated one-of-each hierarchy.
func validChain() []EntityRecord {
	return []EntityRecord{
		resolvedRecord(schema.EntityCourse, 1, 0, "C1", map[string]any{
			"course_id": "C1", "title": "Algebra",
		}),
		resolvedRecord(schema.EntitySection, 2, 1, "S1", map[string]any{
			"section_id": "S1", "course_ref": "C1", "title": "Week 1",
		}),
		resolvedRecord(schema.EntityQuiz, 3, 2, "Z1", map[string]any{
			"quiz_id": "Z1", "section_ref": "S1", "title": "Quiz",
		}),
		resolvedRecord(schema.EntityQuestion, 4, 3, "Q1", map[string]any{
			"question_id": "Q1", "quiz_ref": "Z1", "text": "2+2?",
		}),
		resolvedRecord(schema.EntityAnswer, 5, 4, "A1", map[string]any{
			"answer_id": "A1", "question_ref": "Q1", "text": "4",
		}),
	}
}

func TestImporter_CommitsInStageOrder(t *testing.T) {
	fake := &fakePersister{}
	im := NewImporter(fake, nil, nil)

	outcome := im.Run(context.Background(), uuid.New(), validChain())

	if outcome.Status != StatusCommitted {
		t.Fatalf("status = %s, want committed", outcome.Status)
	}
	if outcome.State != StateCommitted {
		t.Fatalf("state = %s, want committed", outcome.State)
	}
	if len(fake.created) != 5 {
		t.Fatalf("created %d entities, want 5", len(fake.created))
	}
	for i, c := range fake.created {
		if c.Type != schema.HierarchyOrder[i] {
			t.Errorf("create %d: type = %s, want %s", i, c.Type, schema.HierarchyOrder[i])
		}
	}
	for _, et := range schema.HierarchyOrder {
		if outcome.Imported[et] != 1 {
			t.Errorf("imported[%s] = %d, want 1", et, outcome.Imported[et])
		}
	}
	if fake.rollbacks != 0 {
		t.Errorf("rollbacks = %d, want 0", fake.rollbacks)
	}
}

func TestImporter_SubstitutesRealParentIDs(t *testing.T) {
	fake := &fakePersister{}
	im := NewImporter(fake, nil, nil)

	im.Run(context.Background(), uuid.New(), validChain())

	course, _ := fake.find(schema.EntityCourse, "C1")
	if course.ParentID != uuid.Nil {
		t.Errorf("course parent = %s, want nil UUID", course.ParentID)
	}

	section, _ := fake.find(schema.EntitySection, "S1")
	if section.ParentID != course.ID {
		t.Errorf("section parent = %s, want course's real ID %s", section.ParentID, course.ID)
	}

	quiz, _ := fake.find(schema.EntityQuiz, "Z1")
	if quiz.ParentID != section.ID {
		t.Errorf("quiz parent = %s, want section's real ID %s", quiz.ParentID, section.ID)
	}
}

func TestImporter_RecordFailureSkipsDescendantsOnly(t *testing.T) {
	// S1 fails to persist; Z1 under S1 must be skipped, while S2 and its
	// quiz proceed. The run still commits.
	records := []EntityRecord{
		resolvedRecord(schema.EntityCourse, 1, 0, "C1", map[string]any{
			"course_id": "C1", "title": "Algebra",
		}),
		resolvedRecord(schema.EntitySection, 2, 1, "S1", map[string]any{
			"section_id": "S1", "course_ref": "C1", "title": "Week 1",
		}),
		resolvedRecord(schema.EntitySection, 3, 1, "S2", map[string]any{
			"section_id": "S2", "course_ref": "C1", "title": "Week 2",
		}),
		resolvedRecord(schema.EntityQuiz, 4, 2, "Z1", map[string]any{
			"quiz_id": "Z1", "section_ref": "S1", "title": "Quiz 1",
		}),
		resolvedRecord(schema.EntityQuiz, 5, 3, "Z2", map[string]any{
			"quiz_id": "Z2", "section_ref": "S2", "title": "Quiz 2",
		}),
	}

	fake := &fakePersister{failOn: map[string]error{
		"S1": fmt.Errorf("unique constraint violation"),
	}}
	im := NewImporter(fake, nil, nil)

	outcome := im.Run(context.Background(), uuid.New(), records)

	if outcome.Status != StatusCommitted {
		t.Fatalf("status = %s, want committed (fail-stage, not fail-run)", outcome.Status)
	}
	if outcome.Imported[schema.EntitySection] != 1 || outcome.Skipped[schema.EntitySection] != 1 {
		t.Errorf("sections imported/skipped = %d/%d, want 1/1",
			outcome.Imported[schema.EntitySection], outcome.Skipped[schema.EntitySection])
	}
	if outcome.Imported[schema.EntityQuiz] != 1 || outcome.Skipped[schema.EntityQuiz] != 1 {
		t.Errorf("quizzes imported/skipped = %d/%d, want 1/1",
			outcome.Imported[schema.EntityQuiz], outcome.Skipped[schema.EntityQuiz])
	}

	var persistFailed, parentSkips int
	for _, d := range outcome.Defects {
		switch d.Code {
		case DefectPersistFailed:
			persistFailed++
		case DefectSkippedDueToParentFailure:
			parentSkips++
		}
	}
	if persistFailed != 1 || parentSkips != 1 {
		t.Errorf("defects: persist_failed = %d, parent skips = %d; want 1, 1", persistFailed, parentSkips)
	}

	if _, created := fake.find(schema.EntityQuiz, "Z1"); created {
		t.Error("Z1 must not be persisted after its section failed")
	}
	if fake.rollbacks != 0 {
		t.Errorf("rollbacks = %d, want 0", fake.rollbacks)
	}
}

func TestImporter_FatalErrorAbortsAndRollsBack(t *testing.T) {
	fake := &fakePersister{failOn: map[string]error{
		"S1": &FatalError{Err: errors.New("connection refused")},
	}}
	im := NewImporter(fake, nil, nil)

	outcome := im.Run(context.Background(), uuid.New(), validChain())

	if outcome.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if outcome.State != StateFailed {
		t.Fatalf("state = %s, want failed", outcome.State)
	}
	if fake.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", fake.rollbacks)
	}
	// Course imported before the failure; section, quiz, question, answer
	// never made it.
	if outcome.Imported[schema.EntityCourse] != 1 {
		t.Errorf("courses imported = %d, want 1", outcome.Imported[schema.EntityCourse])
	}
	remaining := outcome.Skipped[schema.EntitySection] +
		outcome.Skipped[schema.EntityQuiz] +
		outcome.Skipped[schema.EntityQuestion] +
		outcome.Skipped[schema.EntityAnswer]
	if remaining != 4 {
		t.Errorf("remaining skipped = %d, want 4", remaining)
	}
}

func TestImporter_CancellationRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fake := &fakePersister{}
	im := NewImporter(fake, nil, nil)

	outcome := im.Run(ctx, uuid.New(), validChain())

	if outcome.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", outcome.Status)
	}
	if outcome.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", outcome.State)
	}
	if fake.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1 (cleanup must run despite cancellation)", fake.rollbacks)
	}
	var skipped int
	for _, n := range outcome.Skipped {
		skipped += n
	}
	if skipped != 5 {
		t.Errorf("skipped = %d, want all 5", skipped)
	}
	if len(fake.created) != 0 {
		t.Errorf("created = %d entities after rollback, want 0", len(fake.created))
	}
}

func TestImporter_CancellationMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	fake := &fakePersister{}
	im := NewImporter(fake, nil, nil)
	// Cancel after the first persisted record; the check before each
	// record stops the run within one record's latency.
	im.OnRecord = func(schema.EntityType, int, int) { cancel() }

	outcome := im.Run(ctx, uuid.New(), validChain())

	if outcome.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", outcome.Status)
	}
	if fake.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", fake.rollbacks)
	}
	if outcome.Imported[schema.EntityCourse] != 1 {
		t.Errorf("courses imported before cancel = %d, want 1", outcome.Imported[schema.EntityCourse])
	}
	var skipped int
	for _, n := range outcome.Skipped {
		skipped += n
	}
	if skipped != 4 {
		t.Errorf("skipped = %d, want the 4 unprocessed records", skipped)
	}
}

func TestImporter_SkipExisting(t *testing.T) {
	existingCourseID := uuid.New()
	lookup := func(ctx context.Context, et schema.EntityType, key string) (uuid.UUID, bool, error) {
		if et == schema.EntityCourse && key == "C1" {
			return existingCourseID, true, nil
		}
		return uuid.Nil, false, nil
	}

	fake := &fakePersister{}
	im := NewImporter(fake, ExistingLookup(lookup), nil)

	outcome := im.Run(context.Background(), uuid.New(), validChain())

	if outcome.Status != StatusCommitted {
		t.Fatalf("status = %s, want committed", outcome.Status)
	}
	if outcome.Skipped[schema.EntityCourse] != 1 {
		t.Errorf("courses skipped = %d, want 1", outcome.Skipped[schema.EntityCourse])
	}
	if outcome.Imported[schema.EntityCourse] != 0 {
		t.Errorf("courses imported = %d, want 0", outcome.Imported[schema.EntityCourse])
	}
	if _, created := fake.find(schema.EntityCourse, "C1"); created {
		t.Error("existing course must not be re-created")
	}

	// Children hang off the pre-existing entity.
	section, ok := fake.find(schema.EntitySection, "S1")
	if !ok {
		t.Fatal("section was not created")
	}
	if section.ParentID != existingCourseID {
		t.Errorf("section parent = %s, want existing course ID %s", section.ParentID, existingCourseID)
	}
}

func TestImporter_LookupFailureStillImports(t *testing.T) {
	// A failing dedup lookup must not silently disable skip-existing: the
	// record is imported anyway, and both a defect and a log entry say why
	// dedup did not apply.
	lookup := func(ctx context.Context, et schema.EntityType, key string) (uuid.UUID, bool, error) {
		if et == schema.EntityCourse {
			return uuid.Nil, false, errors.New("lookup timeout")
		}
		return uuid.Nil, false, nil
	}

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	fake := &fakePersister{}
	im := NewImporter(fake, ExistingLookup(lookup), logger)

	outcome := im.Run(context.Background(), uuid.New(), validChain())

	if outcome.Status != StatusCommitted {
		t.Fatalf("status = %s, want committed", outcome.Status)
	}
	if outcome.Imported[schema.EntityCourse] != 1 {
		t.Errorf("courses imported = %d, want 1", outcome.Imported[schema.EntityCourse])
	}
	if outcome.Skipped[schema.EntityCourse] != 0 {
		t.Errorf("courses skipped = %d, want 0", outcome.Skipped[schema.EntityCourse])
	}

	var lookupDefects int
	for _, d := range outcome.Defects {
		if d.Code == DefectLookupFailed {
			lookupDefects++
			if d.EntityType != schema.EntityCourse || d.NaturalKey != "C1" {
				t.Errorf("lookup defect identifies %s %q, want course C1", d.EntityType, d.NaturalKey)
			}
		}
	}
	if lookupDefects != 1 {
		t.Errorf("lookup_failed defects = %d, want 1", lookupDefects)
	}

	if !strings.Contains(logBuf.String(), "existing-entity lookup failed") {
		t.Error("lookup failure was not logged")
	}
}
