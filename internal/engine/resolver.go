package engine

// resolver.go assigns run-scoped synthetic identifiers and rewrites
// parent-reference strings into resolved parent IDs.
//
// Records are processed in fixed hierarchy order (courses first, answers
// last) regardless of how the input sheets were interleaved, so forward
// references across sheets resolve correctly. Lookup is one hashed index
// per entity type, keyed by natural key: O(N) overall.
//
// Matching is exact string equality after normalization, with no fuzzy
// fallback. Getting a parent link wrong silently is worse than rejecting
// it loudly.

import (
	"fmt"
	"strings"

	"github.com/coursemill/coursemill/internal/schema"
)

// ResolveOptions controls reference matching behavior.
type ResolveOptions struct {
	// CaseInsensitiveRefs folds natural keys and parent references to
	// lowercase before matching. Off by default: matching is
	// whitespace-insensitive but case-sensitive.
	CaseInsensitiveRefs bool
}

// Resolve assigns synthetic IDs, builds per-type natural-key indexes, and
// resolves every child's parent reference.
//
// The returned slice contains only records that survived resolution, in
// hierarchy order with synthetic IDs assigned from a monotonically
// increasing counter. Everything else is described by the returned
// defects: duplicate natural keys (first occurrence stays authoritative),
// unresolved references, and the transitive exclusion of descendants whose
// parent was itself excluded.
func Resolve(records []EntityRecord, opts ResolveOptions) ([]EntityRecord, []Defect) {
	fold := func(s string) string { return s }
	if opts.CaseInsensitiveRefs {
		fold = strings.ToLower
	}

	// Fixed hierarchy order, stable within each type.
	ordered := make([]EntityRecord, 0, len(records))
	for _, et := range schema.HierarchyOrder {
		for _, rec := range records {
			if rec.Type == et {
				ordered = append(ordered, rec)
			}
		}
	}

	var (
		nextID   int64
		resolved = make([]EntityRecord, 0, len(ordered))
		defects  []Defect
		indexes  = make(map[schema.EntityType]map[string]int64, len(schema.HierarchyOrder))
		excluded = make(map[int64]bool)
	)
	for _, et := range schema.HierarchyOrder {
		indexes[et] = make(map[string]int64)
	}

	for _, rec := range ordered {
		nextID++
		rec.SyntheticID = nextID

		key := fold(rec.NaturalKey)

		// Index insertion: first write wins. The duplicate is excluded
		// but the authoritative record remains referenceable.
		duplicate := false
		if key != "" {
			if _, exists := indexes[rec.Type][key]; exists {
				defects = append(defects, recordDefect(StageResolver, DefectDuplicateKey, rec,
					fmt.Sprintf("natural key %q already used by an earlier %s row", rec.NaturalKey, rec.Type)))
				duplicate = true
			} else {
				indexes[rec.Type][key] = rec.SyntheticID
			}
		}

		parentType, hasParent := rec.Type.Parent()
		if hasParent {
			parentID, ok := indexes[parentType][fold(rec.ParentRef)]
			switch {
			case rec.ParentRef == "" || !ok:
				defects = append(defects, Defect{
					Stage:      StageResolver,
					Code:       DefectUnresolvedReference,
					EntityType: rec.Type,
					NaturalKey: rec.NaturalKey,
					Value:      rec.ParentRef,
					Location:   rec.Location,
					Message:    fmt.Sprintf("no %s found with key %q", parentType, rec.ParentRef),
				})
				excluded[rec.SyntheticID] = true
			case excluded[parentID]:
				// Parent resolved but was itself excluded: cascade.
				defects = append(defects, recordDefect(StageResolver, DefectSkippedDueToParentFailure, rec,
					fmt.Sprintf("parent %s %q was excluded", parentType, rec.ParentRef)))
				excluded[rec.SyntheticID] = true
			default:
				rec.ResolvedParentID = parentID
			}
		}

		if duplicate {
			excluded[rec.SyntheticID] = true
		}
		if !excluded[rec.SyntheticID] {
			resolved = append(resolved, rec)
		}
	}

	return resolved, defects
}
