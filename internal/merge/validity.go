package merge

import (
	"fmt"

	"ntloader/internal/domain"
	"ntloader/internal/manifest"
	"ntloader/internal/schema"
	"ntloader/internal/store"
)

// Issue is one finding of the validity check.
type Issue struct {
	ID     int64       `json:"id"`
	Kind   domain.Kind `json:"kind"`
	Reason string      `json:"reason"`
}

// Report is the outcome of Validate.
type Report struct {
	Dangling   []Dangling `json:"dangling"`
	Invalid    []Issue    `json:"invalid"`
	Duplicates []Issue    `json:"duplicates"`
	// Stale lists entities a synchronization pass would still change.
	Stale []int64 `json:"stale"`
}

// Clean reports whether nothing needs attention.
func (r Report) Clean() bool {
	return len(r.Dangling) == 0 && len(r.Invalid) == 0 && len(r.Duplicates) == 0 && len(r.Stale) == 0
}

// Count is the number of findings.
func (r Report) Count() int {
	return len(r.Dangling) + len(r.Invalid) + len(r.Duplicates) + len(r.Stale)
}

// Validate re-runs the mirror to edit comparison without changing anything.
// v may be nil to skip schema checks.
func Validate(mirror manifest.MirrorSnapshot, edit manifest.EditSnapshot, v *schema.Validator) Report {
	sync := Synchronize(mirror, edit)
	rep := Report{Dangling: sync.Dangling, Stale: sync.Changed}

	perVersion := map[int64]int64{}
	perTarget := map[string]int64{}
	for _, id := range edit.IDs() {
		doc := edit[id]
		kind := domain.Kind(doc.String("kind"))
		if v != nil {
			if err := v.Validate(doc); err != nil {
				rep.Invalid = append(rep.Invalid, Issue{ID: id, Kind: kind, Reason: err.Error()})
			}
		}
		switch kind {
		case domain.KindLocalizeStrategy:
			vid, _ := doc.Int64("version_id")
			if prev, ok := perVersion[vid]; ok {
				rep.Duplicates = append(rep.Duplicates, Issue{ID: id, Kind: kind, Reason: fmt.Sprintf("version %d already has strategy %d", vid, prev)})
			} else {
				perVersion[vid] = id
			}
		case domain.KindStatusChange:
			ref, _ := RefOf(doc)
			if prev, ok := perTarget[ref.Key()]; ok {
				rep.Duplicates = append(rep.Duplicates, Issue{ID: id, Kind: kind, Reason: fmt.Sprintf("%s already has status change %d", ref, prev)})
			} else {
				perTarget[ref.Key()] = id
			}
		}
	}
	if _, ok := edit[domain.ToolStateID]; !ok {
		rep.Invalid = append(rep.Invalid, Issue{ID: domain.ToolStateID, Kind: domain.KindToolState, Reason: "tool state missing"})
	}
	return rep
}

// Documents converts a snapshot to a list ordered by id.
func Documents(s manifest.EditSnapshot) []store.Document {
	out := make([]store.Document, 0, len(s))
	for _, id := range s.IDs() {
		out = append(out, s[id])
	}
	return out
}
