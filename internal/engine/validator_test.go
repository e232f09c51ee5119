package engine

import (
	"testing"

	"github.com/coursemill/coursemill/internal/schema"
)

// resolvedRecord builds a record as the resolver would emit it.
func resolvedRecord(t schema.EntityType, id, parentID int64, key string, attrs map[string]any) EntityRecord {
	return EntityRecord{
		Type:             t,
		NaturalKey:       key,
		SyntheticID:      id,
		ResolvedParentID: parentID,
		Attributes:       attrs,
		Location:         SourceLocation{Sheet: string(t), Row: 2},
	}
}

func TestValidate_AllValid(t *testing.T) {
	records := []EntityRecord{
		resolvedRecord(schema.EntityCourse, 1, 0, "C1", map[string]any{
			"course_id": "C1", "title": "Algebra",
		}),
		resolvedRecord(schema.EntitySection, 2, 1, "S1", map[string]any{
			"section_id": "S1", "course_ref": "C1", "title": "Week 1", "ordering": int64(0),
		}),
	}

	valid, rejected := Validate(records)
	if len(valid) != 2 || len(rejected) != 0 {
		t.Fatalf("valid = %d, rejected = %d; want 2, 0", len(valid), len(rejected))
	}
}

func TestValidate_MissingRequiredField(t *testing.T) {
	records := []EntityRecord{
		resolvedRecord(schema.EntityCourse, 1, 0, "C1", map[string]any{
			"course_id": "C1", "title": "",
		}),
	}

	valid, rejected := Validate(records)
	if len(valid) != 0 || len(rejected) != 1 {
		t.Fatalf("valid = %d, rejected = %d; want 0, 1", len(valid), len(rejected))
	}
	d := rejected[0].Defects[0]
	if d.Code != DefectMissingRequired || d.Field != "title" {
		t.Errorf("defect = %+v", d)
	}
	if d.Stage != StageValidator {
		t.Errorf("stage = %s, want %s", d.Stage, StageValidator)
	}
}

func TestValidate_ZeroAndFalseAreValues(t *testing.T) {
	// ordering 0 and is_correct false must not trip required checks on
	// records that require other fields.
	records := []EntityRecord{
		resolvedRecord(schema.EntityCourse, 1, 0, "C1", map[string]any{
			"course_id": "C1", "title": "Algebra",
		}),
		resolvedRecord(schema.EntitySection, 2, 1, "S1", map[string]any{
			"section_id": "S1", "course_ref": "C1", "title": "Week 1", "ordering": int64(0),
		}),
		resolvedRecord(schema.EntityQuiz, 3, 2, "Z1", map[string]any{
			"quiz_id": "Z1", "section_ref": "S1", "title": "Quiz", "time_limit": int64(0),
		}),
		resolvedRecord(schema.EntityQuestion, 4, 3, "Q1", map[string]any{
			"question_id": "Q1", "quiz_ref": "Z1", "text": "2+2?", "points": float64(0),
		}),
		resolvedRecord(schema.EntityAnswer, 5, 4, "A1", map[string]any{
			"answer_id": "A1", "question_ref": "Q1", "text": "4", "is_correct": false,
		}),
	}

	valid, rejected := Validate(records)
	if len(rejected) != 0 {
		t.Fatalf("unexpected rejections: %+v", rejected)
	}
	if len(valid) != 5 {
		t.Fatalf("valid = %d, want 5", len(valid))
	}
}

func TestValidate_QuestionWithoutAnswers(t *testing.T) {
	records := []EntityRecord{
		resolvedRecord(schema.EntityQuestion, 1, 0, "Q1", map[string]any{
			"question_id": "Q1", "quiz_ref": "Z1", "text": "2+2?",
		}),
	}

	valid, rejected := Validate(records)
	if len(valid) != 0 || len(rejected) != 1 {
		t.Fatalf("valid = %d, rejected = %d; want 0, 1", len(valid), len(rejected))
	}
	if rejected[0].Defects[0].Code != DefectNoAnswers {
		t.Errorf("code = %s, want %s", rejected[0].Defects[0].Code, DefectNoAnswers)
	}
}

func TestValidate_DependentRejection(t *testing.T) {
	// The question is invalid (missing text); its answers are structurally
	// fine but must be rejected as dependents with a distinct code.
	records := []EntityRecord{
		resolvedRecord(schema.EntityQuestion, 1, 0, "Q1", map[string]any{
			"question_id": "Q1", "quiz_ref": "Z1", "text": "",
		}),
		resolvedRecord(schema.EntityAnswer, 2, 1, "A1", map[string]any{
			"answer_id": "A1", "question_ref": "Q1", "text": "4",
		}),
		resolvedRecord(schema.EntityAnswer, 3, 1, "A2", map[string]any{
			"answer_id": "A2", "question_ref": "Q1", "text": "5",
		}),
	}

	valid, rejected := Validate(records)
	if len(valid) != 0 {
		t.Fatalf("valid = %v, want none", valid)
	}
	if len(rejected) != 3 {
		t.Fatalf("rejected = %d, want 3", len(rejected))
	}

	if rejected[0].Defects[0].Code != DefectMissingRequired {
		t.Errorf("question defect = %s, want missing_required_field", rejected[0].Defects[0].Code)
	}
	for _, rej := range rejected[1:] {
		if rej.Defects[0].Code != DefectDependentRejection {
			t.Errorf("answer defect = %s, want dependent_rejection", rej.Defects[0].Code)
		}
	}
}

func TestValidate_SiblingsUnaffectedByRejection(t *testing.T) {
	records := []EntityRecord{
		resolvedRecord(schema.EntityQuiz, 1, 0, "Z1", map[string]any{
			"quiz_id": "Z1", "section_ref": "S1", "title": "Quiz",
		}),
		resolvedRecord(schema.EntityQuestion, 2, 1, "Q1", map[string]any{
			"question_id": "Q1", "quiz_ref": "Z1", "text": "", // invalid
		}),
		resolvedRecord(schema.EntityQuestion, 3, 1, "Q2", map[string]any{
			"question_id": "Q2", "quiz_ref": "Z1", "text": "ok?",
		}),
		resolvedRecord(schema.EntityAnswer, 4, 3, "A1", map[string]any{
			"answer_id": "A1", "question_ref": "Q2", "text": "yes",
		}),
	}

	valid, rejected := Validate(records)
	if len(valid) != 3 {
		t.Fatalf("valid = %d, want 3 (quiz, Q2, A1)", len(valid))
	}
	if len(rejected) != 1 {
		t.Fatalf("rejected = %d, want 1", len(rejected))
	}
	if rejected[0].Record.NaturalKey != "Q1" {
		t.Errorf("rejected key = %q, want Q1", rejected[0].Record.NaturalKey)
	}
}
