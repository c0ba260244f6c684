package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntloader/internal/domain"
	"ntloader/internal/store"
)

func encode(t *testing.T, v any) store.Document {
	t.Helper()
	d, err := store.Encode(v)
	require.NoError(t, err)
	return d
}

func TestValidWorkingEntities(t *testing.T) {
	v, err := New()
	require.NoError(t, err)
	docs := []any{
		domain.ToolState{Base: domain.Base{ID: 0, Kind: domain.KindToolState}, Options: map[string]string{}, ValidStatuses: map[string][]string{}, Tags: map[string]string{}},
		domain.VersionLink{Base: domain.Base{ID: 4, Kind: domain.KindVersionLink}, MirrorType: "Version", MirrorID: 710, VersionIDs: []int64{710}},
		domain.ImportTask{Base: domain.Base{ID: 5, Kind: domain.KindImportTask}, Scope: domain.Scope{Tree: "project"}, Stage: domain.StageBinImport, State: domain.TaskNew},
		domain.LocalizeStrategy{Base: domain.Base{ID: 6, Kind: domain.KindLocalizeStrategy}, VersionID: 710, Type: domain.LocalizeDirect, Source: "/mnt/show/v1.exr"},
		domain.AnnotationLink{Base: domain.Base{ID: 7, Kind: domain.KindAnnotationLink}, AttachmentID: 3, LocalPath: "/tmp/a.png"},
		domain.NewNote{Base: domain.Base{ID: 8, Kind: domain.KindNewNote}, TargetType: "Version", TargetID: 710, Subject: "s", Body: "b"},
		domain.StatusChange{Base: domain.Base{ID: 9, Kind: domain.KindStatusChange}, TargetType: "Version", TargetID: 710, NewStatus: "apr"},
		domain.NoteReply{Base: domain.Base{ID: 10, Kind: domain.KindNoteReply}, NoteID: 2, Body: "ok"},
	}
	for _, d := range docs {
		assert.NoError(t, v.Validate(encode(t, d)))
	}
}

func TestInvalidDocuments(t *testing.T) {
	v, err := New()
	require.NoError(t, err)

	cases := map[string]any{
		"tool state off reserved id": domain.ToolState{Base: domain.Base{ID: 3, Kind: domain.KindToolState}, Options: map[string]string{}, ValidStatuses: map[string][]string{}, Tags: map[string]string{}},
		"working entity at id 0":     domain.NewNote{Base: domain.Base{ID: 0, Kind: domain.KindNewNote}, TargetType: "Version", TargetID: 1},
		"placeholder status":         domain.StatusChange{Base: domain.Base{ID: 2, Kind: domain.KindStatusChange}, TargetType: "Version", TargetID: 1, NewStatus: "---"},
		"bad localize type":          domain.LocalizeStrategy{Base: domain.Base{ID: 2, Kind: domain.KindLocalizeStrategy}, VersionID: 1, Type: "teleport"},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, v.Validate(encode(t, d)), ErrInvalid)
		})
	}
	assert.ErrorIs(t, v.Validate(store.Document{"kind": "Mystery"}), ErrInvalid)
}
