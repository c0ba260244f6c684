package merge

import (
	"encoding/json"
	"reflect"

	"ntloader/internal/domain"
	"ntloader/internal/manifest"
	"ntloader/internal/store"
)

const syncedField = "synced"

// Conflict records a remote-owned field whose local value was discarded.
// It is reported and logged, never raised.
type Conflict struct {
	ID     int64       `json:"id"`
	Kind   domain.Kind `json:"kind"`
	Field  string      `json:"field"`
	Local  any         `json:"local"`
	Remote any         `json:"remote"`
}

// Dangling is a working entity whose mirror target is absent.
type Dangling struct {
	ID   int64       `json:"id"`
	Kind domain.Kind `json:"kind"`
	Ref  domain.Ref  `json:"ref"`
}

// Result is the outcome of one synchronization pass.
type Result struct {
	Edit      manifest.EditSnapshot
	Changed   []int64
	Conflicts []Conflict
	Dangling  []Dangling
}

// Synchronize refreshes every working entity that depends on a mirror entity in fresh.
// It never creates or deletes working entities and never touches local fields.
// The input snapshot is not modified.
func Synchronize(fresh manifest.MirrorSnapshot, current manifest.EditSnapshot) Result {
	res := Result{Edit: current.Clone()}
	for _, id := range res.Edit.IDs() {
		doc := res.Edit[id]
		ref, ok := RefOf(doc)
		if !ok {
			continue
		}
		kind := domain.Kind(doc.String("kind"))
		ent, found := fresh.Lookup(ref)
		if !found {
			res.Dangling = append(res.Dangling, Dangling{ID: id, Kind: kind, Ref: ref})
			continue
		}
		changed, conflicts := Refresh(doc, ent)
		res.Conflicts = append(res.Conflicts, conflicts...)
		if changed {
			res.Changed = append(res.Changed, id)
		}
	}
	return res
}

// Refresh overwrites the remote-owned fields of doc in place from ent.
func Refresh(doc store.Document, ent manifest.Entity) (bool, []Conflict) {
	kind := domain.Kind(doc.String("kind"))
	rules, ok := Table[kind]
	if !ok {
		return false, nil
	}
	id, _ := doc.Int64("id")
	synced, _ := doc[syncedField].(map[string]any)
	changed := false
	var conflicts []Conflict
	for _, f := range rules.Fields {
		if f.Owner != Remote || f.Source == nil {
			continue
		}
		v, ok := f.Source(ent)
		if !ok {
			continue
		}
		v = normalize(v)
		cur, had := doc[f.Field]
		base, hasBase := synced[f.Field]
		if had && hasBase && !reflect.DeepEqual(cur, base) && !reflect.DeepEqual(cur, v) {
			conflicts = append(conflicts, Conflict{ID: id, Kind: kind, Field: f.Field, Local: cur, Remote: v})
		}
		if !had || !reflect.DeepEqual(cur, v) {
			doc[f.Field] = v
			changed = true
		}
		if !hasBase || !reflect.DeepEqual(base, v) {
			if synced == nil {
				synced = map[string]any{}
			}
			synced[f.Field] = v
			changed = true
		}
	}
	if synced != nil {
		doc[syncedField] = synced
	}
	return changed, conflicts
}

// normalize gives v the shape it has after a JSON round trip so comparisons are stable.
func normalize(v any) any {
	switch v.(type) {
	case string, bool, float64, nil:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// Sync state markers for status listings.
const (
	StateInSync  = "="
	StateBehind  = "<"
	StateMissing = "?"
)

// SyncState compares the remote stamp recorded on doc with the mirror.
// It returns "" for documents that do not track one.
func SyncState(doc store.Document, mirror manifest.MirrorSnapshot) string {
	ref, ok := RefOf(doc)
	if !ok {
		return ""
	}
	ent, found := mirror.Lookup(ref)
	if !found {
		return StateMissing
	}
	if OwnerOf(domain.Kind(doc.String("kind")), "remote_updated_at") != Remote {
		return ""
	}
	if doc.String("remote_updated_at") == ent.UpdatedAt() {
		return StateInSync
	}
	return StateBehind
}
