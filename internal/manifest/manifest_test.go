package manifest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntloader/internal/domain"
	"ntloader/internal/schema"
	"ntloader/internal/store"
)

var fixedNow = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func openEdit(t *testing.T) *Edit {
	t.Helper()
	e, err := OpenEdit(context.Background(), filepath.Join(t.TempDir(), "edit.db"), EditOptions{
		Now:       fixedNow,
		Validator: schema.MustNew(),
		ToolState: domain.ToolState{
			Options:       map[string]string{"timeline_name": "{playlist}"},
			ValidStatuses: map[string][]string{"Version": {"rev", "apr"}},
			Tags:          map[string]string{"hero": "#ff0000"},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func openMirror(t *testing.T) *Mirror {
	t.Helper()
	m, err := OpenMirror(context.Background(), filepath.Join(t.TempDir(), "mirror.db"), fixedNow)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestToolStateSeededOnFirstAccess(t *testing.T) {
	e := openEdit(t)
	ctx := context.Background()
	ts, err := e.ToolState(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ToolStateID, ts.ID)
	assert.Equal(t, "{playlist}", ts.Options["timeline_name"])

	ts.Options["timeline_name"] = "custom"
	ts.ResyncRequired = true
	require.NoError(t, e.SaveToolState(ctx, ts))
	again, err := e.ToolState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "custom", again.Options["timeline_name"])
}

func TestToolStateDeletePolicy(t *testing.T) {
	e := openEdit(t)
	ctx := context.Background()
	ts, err := e.ToolState(ctx)
	require.NoError(t, err)
	ts.Options["timeline_name"] = "custom"
	require.NoError(t, e.SaveToolState(ctx, ts))

	assert.ErrorIs(t, e.Delete(ctx, domain.ToolStateID), store.ErrReserved)
	kept, err := e.ToolState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "custom", kept.Options["timeline_name"])

	n, err := e.ClearEdits(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = e.Doc(ctx, domain.ToolStateID)
	require.NoError(t, err)

	reset, err := e.ResetToolState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "{playlist}", reset.Options["timeline_name"])
}

func TestCreateNeverUsesReservedID(t *testing.T) {
	e := openEdit(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		n := &domain.NewNote{Base: domain.Base{Kind: domain.KindNewNote}, TargetType: "Version", TargetID: 710, Subject: "s", Body: "b"}
		require.NoError(t, e.Create(ctx, n))
		assert.Equal(t, int64(i+1), n.ID)
		assert.Equal(t, "2024-03-01T12:00:00Z", n.CreatedAt)
	}
	bad := &domain.ToolState{Base: domain.Base{Kind: domain.KindToolState}}
	assert.Error(t, e.Create(ctx, bad))

	forged := &domain.NewNote{Base: domain.Base{ID: 0, Kind: domain.KindNewNote}, TargetType: "Version", TargetID: 1}
	assert.ErrorIs(t, e.Save(ctx, forged), store.ErrReserved)
}

func TestCreateValidatesDocument(t *testing.T) {
	e := openEdit(t)
	err := e.Create(context.Background(), &domain.StatusChange{Base: domain.Base{Kind: domain.KindStatusChange}, TargetType: "Version", TargetID: 1, NewStatus: domain.StatusPlaceholder})
	assert.ErrorIs(t, err, schema.ErrInvalid)
}

func TestListOrdersByNumericID(t *testing.T) {
	e := openEdit(t)
	ctx := context.Background()
	for i := 0; i < 11; i++ {
		require.NoError(t, e.Create(ctx, &domain.NoteReply{Base: domain.Base{Kind: domain.KindNoteReply}, NoteID: int64(100 + i), Body: "x"}))
	}
	replies, err := ListAs[domain.NoteReply](ctx, e, domain.KindNoteReply)
	require.NoError(t, err)
	require.Len(t, replies, 11)
	for i, r := range replies {
		assert.Equal(t, int64(i+1), r.ID)
	}
	one, err := ListAs[domain.NoteReply](ctx, e, domain.KindNoteReply, store.Eq("note_id", 105))
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, int64(6), one[0].ID)
}

func TestMirrorLookupIsWeak(t *testing.T) {
	m := openMirror(t)
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx,
		Entity{"type": "Version", "id": 710.0, "code": "sh010_v001"},
		Entity{"type": "Playlist", "id": 710.0, "code": "dailies"},
	))
	v, ok, err := m.Lookup(ctx, domain.Ref{Type: "Version", ID: 710})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sh010_v001", v.String("code"))

	_, ok, err = m.Lookup(ctx, domain.Ref{Type: "Version", ID: 999})
	require.NoError(t, err)
	assert.False(t, ok)

	versions, err := m.List(ctx, "Version")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	snap, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Playlist:710", "Version:710"}, snap.Keys())

	require.NoError(t, m.Clear(ctx))
	snap, err = m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}
