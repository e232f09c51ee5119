package engine

// normalize.go cleans and coerces individual field values after mapping.
//
// The rules deal with the loose typing of user-authored spreadsheets:
// booleans arrive as 1/"true", numbers as "" or "3", statuses in any
// casing. Anything that cannot be coerced becomes a Defect on the record;
// nothing is silently defaulted except the documented empty-numeric-to-zero
// rule. Fully blank rows are dropped without being an error.

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coursemill/coursemill/internal/schema"
)

// Normalize cleans a mapped record in place and returns it, or nil when
// the row is fully blank. Returned defects mean the record must be
// rejected; the partially-normalized record is still returned alongside
// them so the report can show what was read.
//
// The natural key and parent reference are trimmed with the same rule so
// that reference matching is whitespace-insensitive.
func Normalize(rec EntityRecord) (*EntityRecord, []Defect) {
	if isBlankRecord(rec) {
		return nil, nil
	}

	spec, ok := schema.Get(rec.Type)
	if !ok {
		return &rec, []Defect{recordDefect(StageNormalizer, DefectUnknownEntityType, rec,
			fmt.Sprintf("unknown entity type %q", rec.Type))}
	}

	var defects []Defect
	attrs := make(map[string]any, len(rec.Attributes))

	for _, field := range spec.Fields {
		raw, present := rec.Attributes[field.Name]
		if !present {
			continue
		}
		str, _ := raw.(string)
		str = strings.TrimSpace(str)

		value, err := coerce(str, field)
		if err != nil {
			defects = append(defects, Defect{
				Stage:      StageNormalizer,
				Code:       DefectBadValue,
				EntityType: rec.Type,
				NaturalKey: strings.TrimSpace(rec.NaturalKey),
				Field:      field.Name,
				Value:      str,
				Location:   rec.Location,
				Message:    err.Error(),
			})
			continue
		}
		attrs[field.Name] = value
	}

	rec.Attributes = attrs
	rec.NaturalKey = strings.TrimSpace(rec.NaturalKey)
	rec.ParentRef = strings.TrimSpace(rec.ParentRef)
	return &rec, defects
}

// coerce converts a trimmed raw string into the field's canonical Go value.
func coerce(s string, field schema.FieldSpec) (any, error) {
	switch field.Type {
	case schema.FieldText:
		return s, nil

	case schema.FieldBool:
		return parseBool(s)

	case schema.FieldEnum:
		if s == "" {
			return "", nil
		}
		for _, allowed := range field.AllowedValues {
			if strings.EqualFold(s, allowed) {
				return allowed, nil
			}
		}
		return nil, fmt.Errorf("must be one of: %s", strings.Join(field.AllowedValues, ", "))

	case schema.FieldInt:
		if s == "" {
			return int64(0), nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer")
		}
		return n, nil

	case schema.FieldFloat:
		if s == "" {
			return float64(0), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number")
		}
		return f, nil
	}
	return s, nil
}

// parseBool accepts the documented boolean literals only. Empty input is
// false, not an error.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true":
		return true, nil
	case "0", "false", "":
		return false, nil
	}
	return false, fmt.Errorf("must be 1/0 or true/false")
}

// isBlankRecord reports whether every mapped cell of the record is empty.
func isBlankRecord(rec EntityRecord) bool {
	if strings.TrimSpace(rec.NaturalKey) != "" || strings.TrimSpace(rec.ParentRef) != "" {
		return false
	}
	for _, v := range rec.Attributes {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return false
		}
	}
	return true
}
