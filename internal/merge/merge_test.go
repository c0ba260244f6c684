package merge

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntloader/internal/domain"
	"ntloader/internal/manifest"
	"ntloader/internal/schema"
	"ntloader/internal/store"
)

func doc(t *testing.T, v any) store.Document {
	t.Helper()
	d, err := store.Encode(v)
	require.NoError(t, err)
	return d
}

func version(id int64, code, status, updated string) manifest.Entity {
	return manifest.Entity{
		"type": "Version", "id": float64(id), "code": code, "sg_status_list": status,
		"updated_at": updated, "version_ids": []any{float64(id)},
		"project": map[string]any{"type": "Project", "id": 122.0},
	}
}

func snapshotOf(entities ...manifest.Entity) manifest.MirrorSnapshot {
	s := manifest.MirrorSnapshot{}
	for _, e := range entities {
		s[e.Ref().Key()] = e
	}
	return s
}

func baseEdit(t *testing.T) manifest.EditSnapshot {
	return manifest.EditSnapshot{
		0: doc(t, domain.ToolState{Base: domain.Base{Kind: domain.KindToolState}, Options: map[string]string{}, ValidStatuses: map[string][]string{}, Tags: map[string]string{}}),
		1: doc(t, domain.VersionLink{Base: domain.Base{ID: 1, Kind: domain.KindVersionLink}, MirrorType: "Version", MirrorID: 710, Name: "old", Status: "wip", Discriminator: "plate"}),
		2: doc(t, domain.LocalizeStrategy{Base: domain.Base{ID: 2, Kind: domain.KindLocalizeStrategy}, VersionID: 710, Type: domain.LocalizeDownload, Source: "https://x/y", Localized: true, Progress: 1}),
		3: doc(t, domain.StatusChange{Base: domain.Base{ID: 3, Kind: domain.KindStatusChange}, TargetType: "Version", TargetID: 710, NewStatus: "apr"}),
		4: doc(t, domain.NewNote{Base: domain.Base{ID: 4, Kind: domain.KindNewNote}, TargetType: "Version", TargetID: 999, Subject: "s", Body: "b"}),
		5: doc(t, domain.AnnotationLink{Base: domain.Base{ID: 5, Kind: domain.KindAnnotationLink}, AttachmentID: 77, LocalPath: "/cache/a.png"}),
	}
}

func TestRemoteOwnedFieldsFollowMirror(t *testing.T) {
	mirror := snapshotOf(version(710, "sh010_v002", "rev", "2024-02-01T00:00:00Z"))
	res := Synchronize(mirror, baseEdit(t))

	link := res.Edit[1]
	assert.Equal(t, "sh010_v002", link["name"])
	assert.Equal(t, "rev", link["status"])
	assert.Equal(t, []any{710.0}, link["version_ids"])
	assert.Equal(t, "2024-02-01T00:00:00Z", link["remote_updated_at"])
	assert.Equal(t, "plate", link["discriminator"])

	assert.Equal(t, "rev", res.Edit[3]["current_status"])
	assert.Equal(t, "apr", res.Edit[3]["new_status"])
	assert.Equal(t, []int64{1, 2, 3}, res.Changed)
}

func TestEditOnlyFieldsUntouched(t *testing.T) {
	mirror := snapshotOf(version(710, "sh010_v002", "rev", "t1"))
	before := baseEdit(t)
	res := Synchronize(mirror, before)
	for id, d := range before {
		kind := domain.Kind(d.String("kind"))
		for field, v := range d {
			if OwnerOf(kind, field) == Local && field != syncedField {
				assert.Equal(t, v, res.Edit[id][field], "%s.%s", kind, field)
			}
		}
	}
	assert.Len(t, res.Edit, len(before), "sync must not create or delete entities")
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	mirror := snapshotOf(version(710, "sh010_v002", "rev", "t1"))
	once := Synchronize(mirror, baseEdit(t))
	twice := Synchronize(mirror, once.Edit)
	assert.Equal(t, once.Edit, twice.Edit)
	assert.Empty(t, twice.Changed)
	assert.Empty(t, twice.Conflicts)
}

func TestSynchronizeDoesNotMutateInput(t *testing.T) {
	mirror := snapshotOf(version(710, "v", "rev", "t1"))
	edit := baseEdit(t)
	Synchronize(mirror, edit)
	assert.Equal(t, "old", edit[1]["name"])
}

func TestLocalWriteToRemoteFieldIsConflictIgnored(t *testing.T) {
	mirror := snapshotOf(version(710, "sh010_v002", "rev", "t1"))
	first := Synchronize(mirror, baseEdit(t))
	first.Edit[1]["status"] = "local-guess"

	second := Synchronize(mirror, first.Edit)
	require.Len(t, second.Conflicts, 1)
	c := second.Conflicts[0]
	assert.Equal(t, int64(1), c.ID)
	assert.Equal(t, "status", c.Field)
	assert.Equal(t, "local-guess", c.Local)
	assert.Equal(t, "rev", c.Remote)
	assert.Equal(t, "rev", second.Edit[1]["status"])

	// an ordinary remote update is a refresh, not a conflict
	mirror = snapshotOf(version(710, "sh010_v002", "apr", "t2"))
	third := Synchronize(mirror, second.Edit)
	assert.Empty(t, third.Conflicts)
	assert.Equal(t, "apr", third.Edit[1]["status"])
}

func TestClearedRemoteFieldReachesEdit(t *testing.T) {
	mirror := snapshotOf(version(710, "sh010_v002", "rev", "t1"))
	first := Synchronize(mirror, baseEdit(t))
	require.Equal(t, "rev", first.Edit[1]["status"])

	cleared := version(710, "sh010_v002", "", "t2")
	second := Synchronize(snapshotOf(cleared), first.Edit)
	assert.Equal(t, "", second.Edit[1]["status"])
	assert.Equal(t, "", second.Edit[3]["current_status"])
	assert.Contains(t, second.Changed, int64(1))
	assert.Empty(t, second.Conflicts)

	nulled := version(710, "sh010_v002", "", "t3")
	nulled["sg_status_list"] = nil
	third := Synchronize(snapshotOf(nulled), first.Edit)
	assert.Equal(t, "", third.Edit[1]["status"])

	// a field the mirror does not carry at all leaves the edit alone
	absent := version(710, "sh010_v002", "", "t4")
	delete(absent, "sg_status_list")
	fourth := Synchronize(snapshotOf(absent), first.Edit)
	assert.Equal(t, "rev", fourth.Edit[1]["status"])
}

func TestDanglingReferencesReported(t *testing.T) {
	res := Synchronize(snapshotOf(version(710, "v", "rev", "t")), baseEdit(t))
	require.Len(t, res.Dangling, 1)
	assert.Equal(t, int64(4), res.Dangling[0].ID)
	assert.Equal(t, "Version:999", res.Dangling[0].Ref.Key())
}

func TestSyncNeverOriginatesWorkingEntities(t *testing.T) {
	mirror := snapshotOf(version(710, "v", "rev", "t"), version(711, "w", "rev", "t"))
	edit := manifest.EditSnapshot{0: baseEdit(t)[0]}
	res := Synchronize(mirror, edit)
	assert.Len(t, res.Edit, 1)
	assert.Empty(t, res.Changed)
}

func TestSynchronizeIdempotentOnRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	statuses := []string{"wip", "rev", "apr", ""}
	for round := 0; round < 50; round++ {
		mirror := manifest.MirrorSnapshot{}
		for id := int64(1); id <= 6; id++ {
			if rng.Intn(3) == 0 {
				continue
			}
			e := version(id, fmt.Sprintf("v%d_%d", id, rng.Intn(3)), statuses[rng.Intn(len(statuses))], fmt.Sprint(rng.Intn(4)))
			mirror[e.Ref().Key()] = e
		}
		edit := manifest.EditSnapshot{}
		for id := int64(1); id <= 8; id++ {
			target := int64(rng.Intn(7) + 1)
			switch rng.Intn(3) {
			case 0:
				edit[id] = doc(t, domain.VersionLink{Base: domain.Base{ID: id, Kind: domain.KindVersionLink}, MirrorType: "Version", MirrorID: target, Status: statuses[rng.Intn(len(statuses))]})
			case 1:
				edit[id] = doc(t, domain.StatusChange{Base: domain.Base{ID: id, Kind: domain.KindStatusChange}, TargetType: "Version", TargetID: target, NewStatus: "apr", CurrentStatus: "x"})
			default:
				edit[id] = doc(t, domain.LocalizeStrategy{Base: domain.Base{ID: id, Kind: domain.KindLocalizeStrategy}, VersionID: target, Type: domain.LocalizeCopy, Source: "/a"})
			}
		}
		once := Synchronize(mirror, edit)
		twice := Synchronize(mirror, once.Edit)
		require.Equal(t, once.Edit, twice.Edit, "round %d", round)
	}
}

func TestValidateFlagsDriftWithoutDeleting(t *testing.T) {
	edit := baseEdit(t)
	edit[6] = doc(t, domain.StatusChange{Base: domain.Base{ID: 6, Kind: domain.KindStatusChange}, TargetType: "Version", TargetID: 710, NewStatus: "rev"})
	mirror := snapshotOf(version(710, "v", "rev", "t"))

	rep := Validate(mirror, edit, schema.MustNew())
	assert.False(t, rep.Clean())
	assert.Len(t, rep.Dangling, 1)
	assert.Len(t, rep.Duplicates, 1)
	assert.Equal(t, []int64{1, 2, 3, 6}, rep.Stale)
	assert.Len(t, edit, 7)

	synced := Synchronize(mirror, edit).Edit
	delete(synced, 4)
	delete(synced, 6)
	assert.True(t, Validate(mirror, synced, schema.MustNew()).Clean())
}

func TestSyncState(t *testing.T) {
	mirror := snapshotOf(version(710, "v", "rev", "t2"))
	link := store.Document{"kind": "VersionLink", "mirror_type": "Version", "mirror_id": 710.0, "remote_updated_at": "t1"}
	assert.Equal(t, StateBehind, SyncState(link, mirror))
	link["remote_updated_at"] = "t2"
	assert.Equal(t, StateInSync, SyncState(link, mirror))
	link["mirror_id"] = 1.0
	assert.Equal(t, StateMissing, SyncState(link, mirror))
	assert.Equal(t, "", SyncState(store.Document{"kind": "ImportTask"}, mirror))
}
