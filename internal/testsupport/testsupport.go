// Package testsupport holds fixtures shared by package tests.
package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"ntloader/internal/domain"
	"ntloader/internal/gateway"
	"ntloader/internal/manifest"
	"ntloader/internal/schema"
	"ntloader/internal/store"
)

// Epoch is the fixed test clock.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Clock returns a clock frozen at Epoch.
func Clock() func() time.Time { return func() time.Time { return Epoch } }

// DefaultToolState is the seed used by OpenManifests.
func DefaultToolState() domain.ToolState {
	return domain.ToolState{
		Options:       map[string]string{"resolution": "1920x1080"},
		ValidStatuses: map[string][]string{"Version": {"wip", "rev", "apr"}},
		Tags:          map[string]string{"hero": "#ff0000"},
	}
}

// OpenManifests opens a fresh mirror and edit manifest pair in a temp dir.
func OpenManifests(t testing.TB) (*manifest.Mirror, *manifest.Edit) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	mirror, err := manifest.OpenMirror(ctx, filepath.Join(dir, "mirror.db"), Clock())
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	edit, err := manifest.OpenEdit(ctx, filepath.Join(dir, "edit.db"), manifest.EditOptions{
		Now:       Clock(),
		Validator: schema.MustNew(),
		ToolState: DefaultToolState(),
	})
	if err != nil {
		mirror.Close()
		t.Fatalf("open edit: %v", err)
	}
	t.Cleanup(func() {
		mirror.Close()
		edit.Close()
	})
	return mirror, edit
}

// Version builds a raw remote version record.
func Version(id int64, code, status string) gateway.RawRecord {
	return gateway.RawRecord{
		"type": "Version", "id": float64(id), "code": code, "sg_status_list": status,
		"updated_at": "2024-02-01T00:00:00Z",
		"project":    map[string]any{"type": "Project", "id": 122.0},
	}
}

// Playlist builds a raw remote playlist with connections in the given sort orders.
func Playlist(id int64, code string, versions map[int64]float64) gateway.RawRecord {
	ids := make([]int64, 0, len(versions))
	for v := range versions {
		ids = append(ids, v)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var items []any
	for i, v := range ids {
		items = append(items, map[string]any{
			"id":            float64(1000 + i),
			"version":       map[string]any{"type": "Version", "id": float64(v)},
			"sg_sort_order": versions[v],
		})
	}
	return gateway.RawRecord{
		"type": "Playlist", "id": float64(id), "code": code, "updated_at": "2024-02-01T00:00:00Z",
		"playlist_items": items,
	}
}

// Note builds a raw remote note.
func Note(id int64, subject string) gateway.RawRecord {
	return gateway.RawRecord{"type": "Note", "id": float64(id), "subject": subject, "updated_at": "2024-02-01T00:00:00Z"}
}

// FakeGateway is an in-memory remote. Accepted status changes are applied to the stored
// records so a following fetch observes them.
type FakeGateway struct {
	mu      sync.Mutex
	records map[string]gateway.RawRecord
	// Reject maps a target key to the reason it is refused.
	Reject map[string]string
	// Unavailable lists target keys whose push fails with ErrRemoteUnavailable.
	Unavailable map[string]bool
	// FetchErr fails every fetch when set.
	FetchErr error
	// Hold blocks pushes and fetches until closed or the context ends.
	Hold chan struct{}

	Pushed  []gateway.Group
	Fetches int
}

func NewFakeGateway(records ...gateway.RawRecord) *FakeGateway {
	g := &FakeGateway{records: map[string]gateway.RawRecord{}, Reject: map[string]string{}, Unavailable: map[string]bool{}}
	g.Put(records...)
	return g
}

// Put adds or replaces remote records.
func (g *FakeGateway) Put(records ...gateway.RawRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range records {
		g.records[recordKey(r.Type(), r.ID())] = cloneRecord(r)
	}
}

// Record returns a copy of a stored remote record.
func (g *FakeGateway) Record(typ string, id int64) (gateway.RawRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[recordKey(typ, id)]
	return cloneRecord(r), ok
}

// PushedTargets lists the target keys pushed so far, in push order.
func (g *FakeGateway) PushedTargets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.Pushed))
	for _, p := range g.Pushed {
		out = append(out, p.Target.Key())
	}
	return out
}

func (g *FakeGateway) FetchProject(ctx context.Context, projectID int64) ([]gateway.RawRecord, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Fetches++
	if g.FetchErr != nil {
		return nil, g.FetchErr
	}
	keys := make([]string, 0, len(g.records))
	for k := range g.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]gateway.RawRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneRecord(g.records[k]))
	}
	return out, nil
}

func (g *FakeGateway) FetchEntities(ctx context.Context, entityType string, f gateway.Filter) ([]gateway.RawRecord, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Fetches++
	if g.FetchErr != nil {
		return nil, g.FetchErr
	}
	var out []gateway.RawRecord
	for _, id := range f.IDs {
		if r, ok := g.records[recordKey(entityType, id)]; ok {
			out = append(out, cloneRecord(r))
		}
	}
	return out, nil
}

func (g *FakeGateway) PushEdits(ctx context.Context, grp gateway.Group) error {
	if err := g.wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrRemoteUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := grp.Target.Key()
	if g.Unavailable[key] {
		return fmt.Errorf("push %s: %w", key, gateway.ErrRemoteUnavailable)
	}
	if reason, ok := g.Reject[key]; ok {
		return gateway.Rejected(grp.Target, reason)
	}
	g.Pushed = append(g.Pushed, grp)
	rec, ok := g.records[key]
	if !ok {
		return nil
	}
	for _, e := range grp.Edits {
		if e.String("kind") == string(domain.KindStatusChange) {
			rec["sg_status_list"] = e.String("new_status")
		}
	}
	return nil
}

func (g *FakeGateway) wait(ctx context.Context) error {
	if g.Hold == nil {
		return ctx.Err()
	}
	select {
	case <-g.Hold:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func recordKey(typ string, id int64) string { return domain.Ref{Type: typ, ID: id}.Key() }

func cloneRecord(r gateway.RawRecord) gateway.RawRecord {
	if r == nil {
		return nil
	}
	return gateway.RawRecord(store.Document(r).Clone())
}
