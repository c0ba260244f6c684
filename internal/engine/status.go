package engine

import (
	"context"
	"sort"

	"ntloader/internal/domain"
	"ntloader/internal/merge"
	"ntloader/internal/store"
)

// LinkStatus is one row of the version overview.
type LinkStatus struct {
	ID            int64  `json:"id"`
	Target        string `json:"target"`
	Name          string `json:"name"`
	Status        string `json:"status,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
	Localized     bool   `json:"localized"`
	Edits         int    `json:"edits"`
	SyncState     string `json:"sync_state"`
}

// Status is a read-only overview of both manifests.
type Status struct {
	ProjectID       int64          `json:"project_id"`
	Mirror          map[string]int `json:"mirror"`
	Edit            map[string]int `json:"edit"`
	Pending         int            `json:"pending"`
	UnresolvedTasks int            `json:"unresolved_tasks"`
	ResyncRequired  bool           `json:"resync_required"`
	DriftCount      int            `json:"drift_count"`
	LastSyncAt      string         `json:"last_sync_at,omitempty"`
	LastCheckAt     string         `json:"last_check_at,omitempty"`
	Links           []LinkStatus   `json:"links"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	mirror, err := e.Mirror.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	edit, err := e.Edit.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	ts, err := e.Edit.ToolState(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ProjectID:      e.Config.Project.ID,
		Mirror:         map[string]int{},
		Edit:           map[string]int{},
		ResyncRequired: ts.ResyncRequired,
		DriftCount:     ts.DriftCount,
		LastSyncAt:     ts.LastSyncAt,
		LastCheckAt:    ts.LastCheckAt,
	}
	for _, ent := range mirror {
		st.Mirror[ent.Type()]++
	}

	localized := map[int64]bool{}
	editsPerTarget := map[string]int{}
	var links []store.Document
	for _, doc := range merge.Documents(edit) {
		kind := domain.Kind(doc.String("kind"))
		st.Edit[string(kind)]++
		switch {
		case kind == domain.KindVersionLink:
			links = append(links, doc)
		case kind == domain.KindLocalizeStrategy:
			if l, _ := doc["localized"].(bool); l {
				vid, _ := doc.Int64("version_id")
				localized[vid] = true
			}
		case kind == domain.KindImportTask:
			if domain.TaskState(doc.String("state")).Unresolved() {
				st.UnresolvedTasks++
			}
		case kind.Pending():
			st.Pending++
			if ref, ok := merge.RefOf(doc); ok {
				editsPerTarget[ref.Key()]++
			}
		}
	}

	for _, doc := range links {
		var l domain.VersionLink
		if err := store.Decode(doc, &l); err != nil {
			return Status{}, err
		}
		row := LinkStatus{
			ID:            l.ID,
			Target:        l.Target().Key(),
			Name:          l.Name,
			Status:        l.Status,
			Discriminator: l.Discriminator,
			Edits:         editsPerTarget[l.Target().Key()],
			SyncState:     merge.SyncState(doc, mirror),
		}
		if l.MirrorType == "Version" {
			row.Localized = localized[l.MirrorID]
		} else {
			for _, vid := range l.VersionIDs {
				if !localized[vid] {
					row.Localized = false
					break
				}
				row.Localized = true
			}
		}
		st.Links = append(st.Links, row)
	}
	sort.Slice(st.Links, func(i, j int) bool { return st.Links[i].ID < st.Links[j].ID })
	return st, nil
}
