// Package expand derives the denormalized fields of remote records as they enter the mirror.
package expand

import (
	"sort"
	"strings"

	"ntloader/internal/gateway"
	"ntloader/internal/manifest"
	"ntloader/internal/store"
)

// Field names written by Expand.
const (
	FieldCutItems   = "cut_items"
	FieldSortOrder  = "sort_order"
	FieldVersionIDs = "version_ids"
)

const offlinePrefix = "offline_"

// Expand turns a raw remote record into a mirror entity. It never mutates raw.
func Expand(raw gateway.RawRecord) manifest.Entity {
	e := manifest.Entity(store.Document(raw).Clone())
	if e == nil {
		e = manifest.Entity{}
	}
	switch e.Type() {
	case "Cut":
		expandCut(e)
	case "Playlist":
		expandPlaylist(e)
	case "Version":
		e[FieldVersionIDs] = []any{float64(e.ID())}
	}
	return e
}

// All expands a batch, preserving order.
func All(raws []gateway.RawRecord) []manifest.Entity {
	out := make([]manifest.Entity, 0, len(raws))
	for _, r := range raws {
		out = append(out, Expand(r))
	}
	return out
}

type cutItem struct {
	id        int64
	order     float64
	hasOrder  bool
	name      string
	versionID int64
	cutIn     any
	cutOut    any
	editIn    any
	editOut   any
}

func expandCut(e manifest.Entity) {
	var items []cutItem
	for _, v := range asList(e[FieldCutItems]) {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		doc := store.Document(m)
		name := doc.String("code")
		if strings.HasPrefix(name, offlinePrefix) {
			continue
		}
		id, _ := doc.Int64("id")
		it := cutItem{
			id:        id,
			name:      name,
			versionID: refID(m["version"]),
			cutIn:     m["cut_item_in"],
			cutOut:    m["cut_item_out"],
			editIn:    m["edit_in"],
			editOut:   m["edit_out"],
		}
		it.order, it.hasOrder = doc.Float64("cut_order")
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return orderLess(items[i].order, items[i].hasOrder, items[i].id, items[j].order, items[j].hasOrder, items[j].id) })

	normalized := make([]any, 0, len(items))
	versionIDs := make([]any, 0, len(items)+1)
	for i, it := range items {
		normalized = append(normalized, map[string]any{
			"id":         float64(it.id),
			"name":       it.name,
			"version_id": float64(it.versionID),
			"cut_in":     it.cutIn,
			"cut_out":    it.cutOut,
			"edit_in":    it.editIn,
			"edit_out":   it.editOut,
			"position":   float64(i + 1),
		})
		if it.versionID != 0 {
			versionIDs = append(versionIDs, float64(it.versionID))
		}
	}
	if offline := refID(e["version"]); offline != 0 {
		versionIDs = append(versionIDs, float64(offline))
	}
	e[FieldCutItems] = normalized
	e[FieldVersionIDs] = versionIDs
}

type connection struct {
	id        int64
	versionID int64
	order     float64
	hasOrder  bool
}

func expandPlaylist(e manifest.Entity) {
	var conns []connection
	seen := map[int64]bool{}
	for _, v := range asList(e["playlist_items"]) {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		doc := store.Document(m)
		vid := refID(m["version"])
		if vid == 0 || seen[vid] {
			continue
		}
		seen[vid] = true
		id, _ := doc.Int64("id")
		c := connection{id: id, versionID: vid}
		c.order, c.hasOrder = doc.Float64("sg_sort_order")
		conns = append(conns, c)
	}
	sort.SliceStable(conns, func(i, j int) bool {
		return orderLess(conns[i].order, conns[i].hasOrder, conns[i].id, conns[j].order, conns[j].hasOrder, conns[j].id)
	})
	// versions without a connection keep their listed order after the connected ones
	for _, v := range asList(e["versions"]) {
		vid := refID(v)
		if vid == 0 || seen[vid] {
			continue
		}
		seen[vid] = true
		conns = append(conns, connection{versionID: vid})
	}

	sortOrder := make([]any, 0, len(conns))
	versionIDs := make([]any, 0, len(conns))
	for i, c := range conns {
		sortOrder = append(sortOrder, map[string]any{"version_id": float64(c.versionID), "order": float64(i + 1)})
		versionIDs = append(versionIDs, float64(c.versionID))
	}
	e[FieldSortOrder] = sortOrder
	e[FieldVersionIDs] = versionIDs
}

// orderLess sorts explicit remote order first, missing order last, identifier as tie-break.
func orderLess(ao float64, aHas bool, aID int64, bo float64, bHas bool, bID int64) bool {
	if aHas != bHas {
		return aHas
	}
	if aHas && ao != bo {
		return ao < bo
	}
	return aID < bID
}

// refID accepts either a bare id or an entity link such as {"type":"Version","id":7}.
func refID(v any) int64 {
	switch t := v.(type) {
	case map[string]any:
		id, _ := store.Document(t).Int64("id")
		return id
	case nil:
		return 0
	default:
		id, _ := store.Document{"v": t}.Int64("v")
		return id
	}
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

// VersionIDs reads the expanded version list of a mirror entity.
func VersionIDs(e manifest.Entity) []int64 {
	var out []int64
	for _, v := range asList(e[FieldVersionIDs]) {
		if id := refID(v); id != 0 {
			out = append(out, id)
		}
	}
	return out
}
