package engine

// pipeline.go runs the deterministic, side-effect-free half of an import:
// mapping, normalization, reference resolution, and validation. Given the
// same input, Prepare yields identical partitions every time, which is
// what makes runs resumable and testable stage by stage.

import (
	"github.com/coursemill/coursemill/internal/schema"
)

// SheetInput is one tokenized sheet as produced by the (out-of-scope)
// spreadsheet parser. EntityType is empty for single-file mode, where a
// discriminator column selects each row's type.
type SheetInput struct {
	Name       string            `json:"name"`
	EntityType schema.EntityType `json:"entityType,omitempty"`
	Headers    []string          `json:"headers"`
	Rows       [][]string        `json:"rows"`
}

// Options tunes pipeline behavior for one run.
type Options struct {
	// CaseInsensitiveRefs controls reference matching; see ResolveOptions.
	CaseInsensitiveRefs bool `json:"caseInsensitiveRefs"`
}

// Prepared holds the pipeline output consumed by the staged importer.
type Prepared struct {
	Valid    []EntityRecord
	Rejected []RejectedRecord

	// Defects from all pre-import stages, including those attached to
	// rejected records.
	Defects []Defect
}

// Prepare runs mapper, normalizer, resolver, and validator over the input
// sheets. It never fails outright: every problem becomes a defect and the
// most complete valid partition possible is returned.
func Prepare(sheets []SheetInput, mappings MappingSet, opts Options) *Prepared {
	prep := &Prepared{}

	// Map all sheets into raw records.
	var mapped []EntityRecord
	for _, sheet := range sheets {
		var records []EntityRecord
		var defects []Defect
		if sheet.EntityType == "" {
			records, defects = MapMixed(sheet.Name, sheet.Headers, sheet.Rows, mappings)
		} else {
			records, defects = MapSheet(sheet.Name, sheet.Headers, sheet.Rows, sheet.EntityType, mappings[sheet.EntityType])
		}
		mapped = append(mapped, records...)
		prep.Defects = append(prep.Defects, defects...)
	}

	// Normalize; records with bad values are rejected here, blank rows
	// silently dropped.
	var normalized []EntityRecord
	for _, rec := range mapped {
		clean, defects := Normalize(rec)
		if clean == nil {
			continue
		}
		if len(defects) > 0 {
			prep.Defects = append(prep.Defects, defects...)
			prep.Rejected = append(prep.Rejected, RejectedRecord{Record: *clean, Defects: defects})
			continue
		}
		normalized = append(normalized, *clean)
	}

	// Resolve references. Excluded records appear only as defects; pair
	// them back up with their source records for the rejected partition.
	resolved, refDefects := Resolve(normalized, ResolveOptions{CaseInsensitiveRefs: opts.CaseInsensitiveRefs})
	prep.Defects = append(prep.Defects, refDefects...)
	prep.Rejected = append(prep.Rejected, rejectedFromDefects(normalized, resolved, refDefects)...)

	// Partition into the final valid and rejected sets.
	valid, rejected := Validate(resolved)
	prep.Valid = valid
	prep.Rejected = append(prep.Rejected, rejected...)
	for _, rej := range rejected {
		prep.Defects = append(prep.Defects, rej.Defects...)
	}

	return prep
}

// rejectedFromDefects reconstructs RejectedRecord entries for records the
// resolver excluded. Matching is by source location, which is unique per
// input row.
func rejectedFromDefects(before, after []EntityRecord, defects []Defect) []RejectedRecord {
	if len(defects) == 0 {
		return nil
	}

	kept := make(map[SourceLocation]bool, len(after))
	for _, rec := range after {
		kept[rec.Location] = true
	}

	byLocation := make(map[SourceLocation][]Defect)
	for _, d := range defects {
		byLocation[d.Location] = append(byLocation[d.Location], d)
	}

	var rejected []RejectedRecord
	for _, rec := range before {
		if kept[rec.Location] {
			continue
		}
		if ds, ok := byLocation[rec.Location]; ok {
			rejected = append(rejected, RejectedRecord{Record: rec, Defects: ds})
		}
	}
	return rejected
}
