package expand

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntloader/internal/gateway"
)

func raw(t *testing.T, s string) gateway.RawRecord {
	t.Helper()
	var r gateway.RawRecord
	require.NoError(t, json.Unmarshal([]byte(s), &r))
	return r
}

func TestCutItemsFollowRemoteEditOrder(t *testing.T) {
	in := raw(t, `{
		"type":"Cut","id":5,"code":"reel1","version":{"type":"Version","id":900},
		"cut_items":[
			{"id":13,"code":"sh030","cut_order":3,"version":{"type":"Version","id":730},"cut_item_in":1001,"cut_item_out":1020},
			{"id":11,"code":"sh010","cut_order":1,"version":{"type":"Version","id":710}},
			{"id":19,"code":"offline_sh020","cut_order":2,"version":{"type":"Version","id":720}},
			{"id":12,"code":"sh020b","cut_order":2,"version":{"type":"Version","id":721}},
			{"id":10,"code":"sh020a","cut_order":2,"version":{"type":"Version","id":722}}
		]}`)
	before, _ := json.Marshal(in)

	out := Expand(in)

	after, _ := json.Marshal(in)
	assert.JSONEq(t, string(before), string(after), "input must not be mutated")

	items := out[FieldCutItems].([]any)
	require.Len(t, items, 4)
	var ids []float64
	for i, it := range items {
		m := it.(map[string]any)
		ids = append(ids, m["id"].(float64))
		assert.Equal(t, float64(i+1), m["position"])
	}
	assert.Equal(t, []float64{11, 10, 12, 13}, ids)
	assert.Equal(t, 1001.0, items[3].(map[string]any)["cut_in"])
	assert.Equal(t, []int64{710, 722, 721, 730, 900}, VersionIDs(out))
}

func TestPlaylistSortOrderIsMonotonic(t *testing.T) {
	in := raw(t, `{
		"type":"Playlist","id":3,"code":"dailies",
		"versions":[{"id":1},{"id":2},{"id":3},{"id":4},{"id":5}],
		"playlist_items":[
			{"id":40,"version":{"id":4},"sg_sort_order":null},
			{"id":31,"version":{"id":3},"sg_sort_order":2},
			{"id":20,"version":{"id":2},"sg_sort_order":2},
			{"id":10,"version":{"id":1},"sg_sort_order":7}
		]}`)
	out := Expand(in)

	assert.Equal(t, []int64{2, 3, 1, 4, 5}, VersionIDs(out))
	prev := 0.0
	for _, so := range out[FieldSortOrder].([]any) {
		order := so.(map[string]any)["order"].(float64)
		assert.Greater(t, order, prev)
		prev = order
	}
}

func TestFractionalOrdersAreKept(t *testing.T) {
	cut := Expand(raw(t, `{
		"type":"Cut","id":6,
		"cut_items":[
			{"id":1,"code":"a","cut_order":1.5,"version":{"id":701}},
			{"id":2,"code":"b","cut_order":1.2,"version":{"id":702}}
		]}`))
	assert.Equal(t, []int64{702, 701}, VersionIDs(cut))

	playlist := Expand(raw(t, `{
		"type":"Playlist","id":4,
		"playlist_items":[
			{"id":1,"version":{"id":801},"sg_sort_order":2.75},
			{"id":2,"version":{"id":802},"sg_sort_order":2.25}
		]}`))
	assert.Equal(t, []int64{802, 801}, VersionIDs(playlist))
}

func TestExpandIsDeterministic(t *testing.T) {
	in := raw(t, `{"type":"Playlist","id":3,"playlist_items":[{"id":2,"version":{"id":8}},{"id":1,"version":{"id":9}}]}`)
	a, _ := json.Marshal(Expand(in))
	b, _ := json.Marshal(Expand(in))
	assert.Equal(t, a, b)
	assert.Equal(t, []int64{9, 8}, VersionIDs(Expand(in)))
}

func TestVersionAndPassThrough(t *testing.T) {
	v := Expand(raw(t, `{"type":"Version","id":710,"code":"sh010_v001"}`))
	assert.Equal(t, []int64{710}, VersionIDs(v))

	shot := raw(t, `{"type":"Shot","id":4,"code":"sh010","nested":{"a":[1]}}`)
	out := Expand(shot)
	assert.Equal(t, "sh010", out.String("code"))
	_, has := out[FieldVersionIDs]
	assert.False(t, has)
	out["nested"].(map[string]any)["a"] = nil
	assert.NotNil(t, shot["nested"].(map[string]any)["a"])
}
