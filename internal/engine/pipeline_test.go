package engine

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/coursemill/coursemill/internal/schema"
	"github.com/google/uuid"
)

// scenarioSheets builds a five-sheet workbook with one deliberately broken
// question (no answer rows) alongside a complete chain.
func scenarioSheets() ([]SheetInput, MappingSet) {
	sheets := []SheetInput{
		{
			Name:       "Courses",
			EntityType: schema.EntityCourse,
			Headers:    []string{"id", "name", "status"},
			Rows: [][]string{
				{"C1", "Algebra", "published"},
			},
		},
		{
			Name:       "Sections",
			EntityType: schema.EntitySection,
			Headers:    []string{"id", "course", "name", "order"},
			Rows: [][]string{
				{"S1", "C1", "Week 1", "1"},
			},
		},
		{
			Name:       "Quizzes",
			EntityType: schema.EntityQuiz,
			Headers:    []string{"id", "section", "name"},
			Rows: [][]string{
				{"Z1", "S1", "Checkpoint"},
			},
		},
		{
			Name:       "Questions",
			EntityType: schema.EntityQuestion,
			Headers:    []string{"id", "quiz", "prompt", "kind"},
			Rows: [][]string{
				{"Q1", "Z1", "What is 2+2?", "single"},
				{"Q2", "Z1", "Orphan question", "open"}, // no answers
			},
		},
		{
			Name:       "Answers",
			EntityType: schema.EntityAnswer,
			Headers:    []string{"id", "question", "value", "correct"},
			Rows: [][]string{
				{"A1", "Q1", "4", "1"},
				{"A2", "Q1", "5", "0"},
			},
		},
	}

	mappings := MappingSet{
		schema.EntityCourse: {
			"id": "course_id", "name": "title", "status": "status",
		},
		schema.EntitySection: {
			"id": "section_id", "course": "course_ref", "name": "title", "order": "ordering",
		},
		schema.EntityQuiz: {
			"id": "quiz_id", "section": "section_ref", "name": "title",
		},
		schema.EntityQuestion: {
			"id": "question_id", "quiz": "quiz_ref", "prompt": "text", "kind": "question_type",
		},
		schema.EntityAnswer: {
			"id": "answer_id", "question": "question_ref", "value": "text", "correct": "is_correct",
		},
	}
	return sheets, mappings
}

func TestPrepare_EndToEnd(t *testing.T) {
	sheets, mappings := scenarioSheets()

	prep := Prepare(sheets, mappings, Options{})

	// Q2 has no answers and is rejected; everything else survives.
	if len(prep.Valid) != 6 {
		t.Fatalf("valid = %d, want 6", len(prep.Valid))
	}
	if len(prep.Rejected) != 1 {
		t.Fatalf("rejected = %d, want 1", len(prep.Rejected))
	}
	if prep.Rejected[0].Record.NaturalKey != "Q2" {
		t.Errorf("rejected key = %q, want Q2", prep.Rejected[0].Record.NaturalKey)
	}
	if prep.Rejected[0].Defects[0].Code != DefectNoAnswers {
		t.Errorf("rejection code = %s, want no_answers", prep.Rejected[0].Defects[0].Code)
	}

	// Normalized values made it through: is_correct coerced to bool.
	for _, rec := range prep.Valid {
		if rec.NaturalKey == "A1" {
			if got := rec.Attributes["is_correct"]; got != true {
				t.Errorf("A1 is_correct = %v, want true", got)
			}
		}
	}
}

func TestPrepare_IsDeterministic(t *testing.T) {
	sheets, mappings := scenarioSheets()

	first := Prepare(sheets, mappings, Options{})
	second := Prepare(sheets, mappings, Options{})

	if !reflect.DeepEqual(first.Valid, second.Valid) {
		t.Error("Valid partition differs between identical runs")
	}
	if !reflect.DeepEqual(first.Rejected, second.Rejected) {
		t.Error("Rejected partition differs between identical runs")
	}
	if !reflect.DeepEqual(first.Defects, second.Defects) {
		t.Error("Defects differ between identical runs")
	}
}

func TestPrepare_ResolverExclusionsBecomeRejections(t *testing.T) {
	sheets := []SheetInput{
		{
			Name:       "Courses",
			EntityType: schema.EntityCourse,
			Headers:    []string{"id", "name"},
			Rows:       [][]string{{"C1", "Algebra"}},
		},
		{
			Name:       "Sections",
			EntityType: schema.EntitySection,
			Headers:    []string{"id", "course", "name"},
			Rows:       [][]string{{"S1", "MISSING", "Week 1"}},
		},
	}
	mappings := MappingSet{
		schema.EntityCourse:  {"id": "course_id", "name": "title"},
		schema.EntitySection: {"id": "section_id", "course": "course_ref", "name": "title"},
	}

	prep := Prepare(sheets, mappings, Options{})
	if len(prep.Valid) != 1 {
		t.Fatalf("valid = %d, want 1", len(prep.Valid))
	}
	if len(prep.Rejected) != 1 {
		t.Fatalf("rejected = %d, want 1", len(prep.Rejected))
	}
	if prep.Rejected[0].Defects[0].Code != DefectUnresolvedReference {
		t.Errorf("code = %s, want unresolved_reference", prep.Rejected[0].Defects[0].Code)
	}
}

func TestPrepare_MappingConflictFailsOnlyThatSheet(t *testing.T) {
	sheets := []SheetInput{
		{
			Name:       "Courses",
			EntityType: schema.EntityCourse,
			Headers:    []string{"id", "name", "label"},
			Rows:       [][]string{{"C1", "Algebra", "Alg"}},
		},
	}
	mappings := MappingSet{
		schema.EntityCourse: {"id": "course_id", "name": "title", "label": "title"},
	}

	prep := Prepare(sheets, mappings, Options{})
	if len(prep.Valid) != 0 {
		t.Fatalf("valid = %d, want 0", len(prep.Valid))
	}
	if len(prep.Defects) != 1 || prep.Defects[0].Code != DefectMappingConflict {
		t.Fatalf("defects = %v, want one mapping_conflict", prep.Defects)
	}
}

func TestFullRun_ReportCounts(t *testing.T) {
	sheets, mappings := scenarioSheets()
	prep := Prepare(sheets, mappings, Options{})

	fake := &fakePersister{}
	im := NewImporter(fake, nil, nil)
	runID := uuid.New()
	outcome := im.Run(context.Background(), runID, prep.Valid)

	report := BuildReport(runID.String(), prep, outcome, time.Now())

	if report.Status != StatusCommitted {
		t.Fatalf("status = %s, want committed", report.Status)
	}

	q := report.Counts[schema.EntityQuestion]
	if q.Attempted != 2 || q.Imported != 1 || q.Rejected != 1 {
		t.Errorf("questions = %+v, want attempted 2, imported 1, rejected 1", q)
	}

	for _, et := range []schema.EntityType{schema.EntityCourse, schema.EntitySection, schema.EntityQuiz} {
		c := report.Counts[et]
		if c.Attempted != 1 || c.Imported != 1 || c.Rejected != 0 {
			t.Errorf("%s = %+v, want attempted 1, imported 1", et, c)
		}
	}

	a := report.Counts[schema.EntityAnswer]
	if a.Attempted != 2 || a.Imported != 2 {
		t.Errorf("answers = %+v, want attempted 2, imported 2", a)
	}

	if report.TotalImported() != 6 {
		t.Errorf("TotalImported = %d, want 6", report.TotalImported())
	}
	if report.TotalRejected() != 1 {
		t.Errorf("TotalRejected = %d, want 1", report.TotalRejected())
	}
}
