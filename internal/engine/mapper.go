package engine

// mapper.go projects raw spreadsheet rows into entity-shaped records using
// a caller-supplied column-to-field mapping.
//
// Two input modes are supported:
//   - per-sheet: every row of a sheet belongs to one entity type
//   - single-file: a discriminator column on each row selects the entity
//     type, and the matching per-type mapping is applied to the rest
//
// Unmapped columns are dropped silently (the caller chose "skip" for them).
// A column mapped to the same canonical field twice is a configuration
// error and fails the whole mapping rather than silently picking one.

import (
	"fmt"
	"strings"

	"github.com/coursemill/coursemill/internal/schema"
)

// Mapping maps original column headers to canonical field names for one
// entity type. Header matching is case-insensitive; whitespace around
// headers is ignored.
type Mapping map[string]string

// MappingSet holds one mapping per entity type.
type MappingSet map[schema.EntityType]Mapping

// discriminatorColumns are the header names recognized as the entity-type
// discriminator in single-file mode, checked in order.
var discriminatorColumns = []string{"record_type", "entity_type", "type"}

// MapSheet projects the rows of a single-type sheet into entity records.
// The returned records carry raw (unnormalized) string attributes; blank
// rows are passed through for the normalizer to drop.
//
// A mapping conflict fails the whole sheet: one MappingConflict defect is
// returned and no records are produced, so a misconfigured mapping can
// never half-import a sheet.
func MapSheet(sheet string, headers []string, rows [][]string, entityType schema.EntityType, mapping Mapping) ([]EntityRecord, []Defect) {
	spec, ok := schema.Get(entityType)
	if !ok {
		return nil, []Defect{{
			Stage:    StageMapper,
			Code:     DefectUnknownEntityType,
			Location: SourceLocation{Sheet: sheet},
			Message:  fmt.Sprintf("unknown entity type %q", entityType),
		}}
	}

	fieldByCol, defects := resolveColumns(sheet, headers, spec, mapping)
	if len(defects) > 0 {
		return nil, defects
	}

	records := make([]EntityRecord, 0, len(rows))
	for i, row := range rows {
		// Header occupies row 1; data starts at row 2.
		loc := SourceLocation{Sheet: sheet, Row: i + 2}
		records = append(records, buildRecord(spec, row, fieldByCol, loc))
	}
	return records, nil
}

// MapMixed projects the rows of a single-file CSV where a discriminator
// column selects each row's entity type. Rows with an unrecognized
// discriminator value become UnknownEntityType defects; the run continues.
func MapMixed(sheet string, headers []string, rows [][]string, mappings MappingSet) ([]EntityRecord, []Defect) {
	discIdx := findDiscriminator(headers)
	if discIdx < 0 {
		return nil, []Defect{{
			Stage:    StageMapper,
			Code:     DefectUnknownEntityType,
			Location: SourceLocation{Sheet: sheet},
			Message:  fmt.Sprintf("no discriminator column found (expected one of: %s)", strings.Join(discriminatorColumns, ", ")),
		}}
	}

	// Resolve each per-type mapping once up front. A conflict in any
	// mapping fails the file, matching MapSheet behavior.
	fieldsByType := make(map[schema.EntityType]map[int]string, len(mappings))
	var confDefects []Defect
	for et, mapping := range mappings {
		spec, ok := schema.Get(et)
		if !ok {
			confDefects = append(confDefects, Defect{
				Stage:    StageMapper,
				Code:     DefectUnknownEntityType,
				Location: SourceLocation{Sheet: sheet},
				Message:  fmt.Sprintf("mapping supplied for unknown entity type %q", et),
			})
			continue
		}
		fieldByCol, defects := resolveColumns(sheet, headers, spec, mapping)
		if len(defects) > 0 {
			confDefects = append(confDefects, defects...)
			continue
		}
		fieldsByType[et] = fieldByCol
	}
	if len(confDefects) > 0 {
		return nil, confDefects
	}

	var records []EntityRecord
	var defects []Defect
	for i, row := range rows {
		loc := SourceLocation{Sheet: sheet, Row: i + 2}

		if isEmptyRow(row) {
			continue
		}

		var discValue string
		if discIdx < len(row) {
			discValue = row[discIdx]
		}
		et, ok := schema.ParseEntityType(discValue)
		if !ok {
			defects = append(defects, Defect{
				Stage:    StageMapper,
				Code:     DefectUnknownEntityType,
				Value:    strings.TrimSpace(discValue),
				Location: loc,
				Message:  fmt.Sprintf("unrecognized entity type %q", strings.TrimSpace(discValue)),
			})
			continue
		}

		fieldByCol, ok := fieldsByType[et]
		if !ok {
			defects = append(defects, Defect{
				Stage:      StageMapper,
				Code:       DefectUnknownEntityType,
				EntityType: et,
				Location:   loc,
				Message:    fmt.Sprintf("no mapping supplied for entity type %q", et),
			})
			continue
		}

		spec, _ := schema.Get(et)
		records = append(records, buildRecord(spec, row, fieldByCol, loc))
	}
	return records, defects
}

// resolveColumns turns a header-name mapping into a column-index mapping,
// detecting conflicts where two columns map to the same canonical field.
func resolveColumns(sheet string, headers []string, spec schema.EntitySpec, mapping Mapping) (map[int]string, []Defect) {
	lookup := make(map[string]string, len(mapping))
	for header, field := range mapping {
		lookup[strings.ToLower(strings.TrimSpace(header))] = field
	}

	fieldByCol := make(map[int]string)
	colByField := make(map[string]int)
	var defects []Defect

	for i, header := range headers {
		key := strings.ToLower(strings.TrimSpace(header))
		field, ok := lookup[key]
		if !ok || field == "" {
			continue // unmapped column, dropped silently
		}
		if _, known := spec.Field(field); !known {
			// Mapping a column to a field the type does not have is the
			// same configuration mistake as a conflict: fail loudly.
			defects = append(defects, Defect{
				Stage:      StageMapper,
				Code:       DefectMappingConflict,
				EntityType: spec.Type,
				Field:      field,
				Value:      header,
				Location:   SourceLocation{Sheet: sheet},
				Message:    fmt.Sprintf("column %q mapped to unknown field %q for %s", header, field, spec.Type),
			})
			continue
		}
		if prev, dup := colByField[field]; dup {
			defects = append(defects, Defect{
				Stage:      StageMapper,
				Code:       DefectMappingConflict,
				EntityType: spec.Type,
				Field:      field,
				Value:      header,
				Location:   SourceLocation{Sheet: sheet},
				Message:    fmt.Sprintf("columns %q and %q both map to field %q", headers[prev], header, field),
			})
			continue
		}
		colByField[field] = i
		fieldByCol[i] = field
	}

	if len(defects) > 0 {
		return nil, defects
	}
	return fieldByCol, nil
}

// buildRecord assembles an unnormalized EntityRecord from one row. The
// natural key and parent reference are lifted out of the attribute bag so
// later stages never have to know the per-type field names.
func buildRecord(spec schema.EntitySpec, row []string, fieldByCol map[int]string, loc SourceLocation) EntityRecord {
	attrs := make(map[string]any, len(fieldByCol))
	for col, field := range fieldByCol {
		if col < len(row) {
			attrs[field] = row[col]
		}
	}

	rec := EntityRecord{
		Type:       spec.Type,
		Attributes: attrs,
		Location:   loc,
	}
	if v, ok := attrs[spec.KeyField].(string); ok {
		rec.NaturalKey = v
	}
	if spec.RefField != "" {
		if v, ok := attrs[spec.RefField].(string); ok {
			rec.ParentRef = v
		}
	}
	return rec
}

// findDiscriminator returns the index of the discriminator column, or -1.
func findDiscriminator(headers []string) int {
	for _, name := range discriminatorColumns {
		for i, h := range headers {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				return i
			}
		}
	}
	return -1
}

// isEmptyRow reports whether every cell is empty or whitespace.
func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
