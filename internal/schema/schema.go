// Package schema describes the five entity types of the course content
// hierarchy: course, section, quiz, question, answer.
//
// The registry is pure data. It defines, per entity type, the canonical
// field names, their types and allowed values, which field carries the
// natural key, and which field names the parent reference. Everything else
// in the pipeline (mapping, normalization, reference resolution,
// validation) is driven by these specs rather than hardcoded per type.
package schema

import "strings"

// EntityType identifies one of the five levels of the content hierarchy.
type EntityType string

const (
	EntityCourse   EntityType = "course"
	EntitySection  EntityType = "section"
	EntityQuiz     EntityType = "quiz"
	EntityQuestion EntityType = "question"
	EntityAnswer   EntityType = "answer"
)

// HierarchyOrder lists the entity types in dependency order. Parents always
// precede children; the staged importer processes types in exactly this
// order.
var HierarchyOrder = []EntityType{
	EntityCourse,
	EntitySection,
	EntityQuiz,
	EntityQuestion,
	EntityAnswer,
}

// ParseEntityType matches a string against the known entity types,
// case-insensitively. Returns false for anything outside the closed set.
func ParseEntityType(s string) (EntityType, bool) {
	switch EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case EntityCourse:
		return EntityCourse, true
	case EntitySection:
		return EntitySection, true
	case EntityQuiz:
		return EntityQuiz, true
	case EntityQuestion:
		return EntityQuestion, true
	case EntityAnswer:
		return EntityAnswer, true
	}
	return "", false
}

// Parent returns the expected parent type of t.
// Returns false for course, which has no parent.
func (t EntityType) Parent() (EntityType, bool) {
	switch t {
	case EntitySection:
		return EntityCourse, true
	case EntityQuiz:
		return EntitySection, true
	case EntityQuestion:
		return EntityQuiz, true
	case EntityAnswer:
		return EntityQuestion, true
	}
	return "", false
}

// Depth returns the number of hops from t to a course. Courses are depth 0.
func (t EntityType) Depth() int {
	for i, ht := range HierarchyOrder {
		if ht == t {
			return i
		}
	}
	return -1
}

// FieldType represents the expected data type for a canonical field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldInt
	FieldFloat
	FieldBool
)

func (t FieldType) String() string {
	switch t {
	case FieldEnum:
		return "enum"
	case FieldInt:
		return "int"
	case FieldFloat:
		return "float"
	case FieldBool:
		return "bool"
	}
	return "text"
}

// FieldSpec defines the shape of a single canonical field.
type FieldSpec struct {
	Name          string    // Canonical field name
	Type          FieldType // Expected data type
	Required      bool      // Must be non-empty after normalization
	AllowedValues []string  // Valid values for FieldEnum, in canonical casing
}

// EntitySpec contains everything the pipeline needs to know about one
// entity type.
type EntitySpec struct {
	Type     EntityType
	KeyField string // Field holding the natural key used for cross-references
	RefField string // Field holding the parent reference; empty for course
	Fields   []FieldSpec
}

// Field returns the spec for a canonical field name.
func (s EntitySpec) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// RequiredFields returns the names of all required fields for this type.
func (s EntitySpec) RequiredFields() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// Statuses accepted for courses and quizzes.
var statusValues = []string{"draft", "published"}

// Question types accepted for question records.
var questionTypeValues = []string{"single", "multiple", "true_false", "open"}

var registry = map[EntityType]EntitySpec{
	EntityCourse: {
		Type:     EntityCourse,
		KeyField: "course_id",
		Fields: []FieldSpec{
			{Name: "course_id", Type: FieldText, Required: true},
			{Name: "title", Type: FieldText, Required: true},
			{Name: "description", Type: FieldText},
			{Name: "status", Type: FieldEnum, AllowedValues: statusValues},
		},
	},
	EntitySection: {
		Type:     EntitySection,
		KeyField: "section_id",
		RefField: "course_ref",
		Fields: []FieldSpec{
			{Name: "section_id", Type: FieldText, Required: true},
			{Name: "course_ref", Type: FieldText, Required: true},
			{Name: "title", Type: FieldText, Required: true},
			{Name: "description", Type: FieldText},
			{Name: "ordering", Type: FieldInt},
		},
	},
	EntityQuiz: {
		Type:     EntityQuiz,
		KeyField: "quiz_id",
		RefField: "section_ref",
		Fields: []FieldSpec{
			{Name: "quiz_id", Type: FieldText, Required: true},
			{Name: "section_ref", Type: FieldText, Required: true},
			{Name: "title", Type: FieldText, Required: true},
			{Name: "description", Type: FieldText},
			{Name: "status", Type: FieldEnum, AllowedValues: statusValues},
			{Name: "time_limit", Type: FieldInt},
		},
	},
	EntityQuestion: {
		Type:     EntityQuestion,
		KeyField: "question_id",
		RefField: "quiz_ref",
		Fields: []FieldSpec{
			{Name: "question_id", Type: FieldText, Required: true},
			{Name: "quiz_ref", Type: FieldText, Required: true},
			{Name: "text", Type: FieldText, Required: true},
			{Name: "question_type", Type: FieldEnum, AllowedValues: questionTypeValues},
			{Name: "points", Type: FieldFloat},
			{Name: "hint", Type: FieldText},
		},
	},
	EntityAnswer: {
		Type:     EntityAnswer,
		KeyField: "answer_id",
		RefField: "question_ref",
		Fields: []FieldSpec{
			{Name: "answer_id", Type: FieldText, Required: true},
			{Name: "question_ref", Type: FieldText, Required: true},
			{Name: "text", Type: FieldText, Required: true},
			{Name: "is_correct", Type: FieldBool},
			{Name: "ordering", Type: FieldInt},
		},
	},
}

// Get returns the entity spec for a type.
// Returns false for types outside the closed set.
func Get(t EntityType) (EntitySpec, bool) {
	spec, ok := registry[t]
	return spec, ok
}

// All returns the entity specs in hierarchy order.
func All() []EntitySpec {
	specs := make([]EntitySpec, 0, len(HierarchyOrder))
	for _, t := range HierarchyOrder {
		specs = append(specs, registry[t])
	}
	return specs
}
