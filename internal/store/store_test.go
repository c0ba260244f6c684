package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "records.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustDoc(t *testing.T, raw string) Document {
	t.Helper()
	var d Document
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	return d
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{KindField: "type"})
	ctx := context.Background()
	docs := []Document{
		mustDoc(t, `{"type":"Version","id":710,"code":"sh010_v001","tags":["a","b"],"meta":{"fps":24.0,"ok":true}}`),
		mustDoc(t, `{"type":"Note","id":3,"content":"","empty":null}`),
		{},
	}
	for i, d := range docs {
		key := string(rune('a' + i))
		require.NoError(t, s.Put(ctx, key, d))
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
}

func TestPutNormalizesTypedValues(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	typed := Document{"id": int64(710), "ids": []int64{1, 2}, "big": int64(1) << 53}
	require.NoError(t, s.Put(ctx, "typed", typed))

	got, err := s.Get(ctx, "typed")
	require.NoError(t, err)
	assert.Equal(t, Document{"id": 710.0, "ids": []any{1.0, 2.0}, "big": float64(int64(1) << 53)}, got)
	id, ok := got.Int64("id")
	assert.True(t, ok)
	assert.Equal(t, int64(710), id)

	// the normalized form round-trips exactly
	require.NoError(t, s.Put(ctx, "typed", got))
	again, err := s.Get(ctx, "typed")
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestGetReturnsCopy(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", mustDoc(t, `{"list":[1,2]}`)))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got["list"] = []any{}
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, again["list"], 2)
}

func TestMissingKeys(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete(ctx, "nope"))
}

func TestProtectedKeySurvivesDeleteAndReplace(t *testing.T) {
	s := openTestStore(t, Options{Protected: []string{"0"}})
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "0", Document{"kind": "ToolState"}))
	require.NoError(t, s.Put(ctx, "1", Document{"kind": "VersionLink"}))

	assert.ErrorIs(t, s.Delete(ctx, "0"), ErrReserved)
	_, err := s.Get(ctx, "0")
	require.NoError(t, err)

	require.NoError(t, s.ReplaceAll(ctx, map[string]Document{"2": {"kind": "NewNote"}}))
	_, err = s.Get(ctx, "0")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "2")
	assert.NoError(t, err)
}

func TestListFilters(t *testing.T) {
	s := openTestStore(t, Options{KindField: "kind"})
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "1", Document{"kind": "StatusChange", "target_id": 10, "new_status": "apr"}))
	require.NoError(t, s.Put(ctx, "2", Document{"kind": "StatusChange", "target_id": 11, "new_status": "rev"}))
	require.NoError(t, s.Put(ctx, "3", Document{"kind": "NewNote", "target_id": 10}))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	sc, err := s.List(ctx, Filter{Kind: "StatusChange", Where: []Condition{Eq("target_id", 10)}})
	require.NoError(t, err)
	require.Len(t, sc, 1)
	assert.Equal(t, "apr", sc[0]["new_status"])

	in, err := s.List(ctx, Filter{Where: []Condition{In("target_id", 11, 12)}})
	require.NoError(t, err)
	assert.Len(t, in, 1)

	gt, err := s.List(ctx, Filter{Where: []Condition{{Field: "target_id", Op: OpGt, Value: 10}}})
	require.NoError(t, err)
	assert.Len(t, gt, 1)

	lt, err := s.List(ctx, Filter{Where: []Condition{{Field: "target_id", Op: OpLt, Value: 11}}})
	require.NoError(t, err)
	assert.Len(t, lt, 2)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	before, err := s.Dump(ctx)
	require.NoError(t, err)

	err = s.Update(ctx, func(tx *Tx) error {
		require.NoError(t, tx.Put("a", Document{"x": 1.0}))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	after, err := s.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateCancelledContextWritesNothing(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put("a", Document{"x": 1.0}); err != nil {
			return err
		}
		cancel()
		return ctx.Err()
	})
	assert.Error(t, err)
	_, err = s.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextIDIsMonotonic(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(ctx, func(tx *Tx) error {
			id, err := tx.NextID("edit")
			ids = append(ids, id)
			return err
		}))
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestTamperedRecordFailsClosed(t *testing.T) {
	s := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a", Document{"x": 1.0}))
	require.NoError(t, s.Put(ctx, "b", Document{"x": 2.0}))
	_, err := s.DB().ExecContext(ctx, `UPDATE records SET doc='{"x":3}' WHERE key='b'`)
	require.NoError(t, err)

	_, err = s.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrStoreCorrupt)
	docs, err := s.List(ctx, Filter{})
	assert.ErrorIs(t, err, ErrStoreCorrupt)
	assert.Nil(t, docs)
	assert.ErrorIs(t, s.Check(ctx), ErrStoreCorrupt)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got["x"])
}

func TestGarbageFileIsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte(i*7 + 3)
	}
	require.NoError(t, os.WriteFile(path, garbage, 0o644))
	_, err := Open(context.Background(), path, Options{})
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestDumpIsStable(t *testing.T) {
	a := openTestStore(t, Options{})
	b := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, a.Put(ctx, "2", Document{"n": 2.0}))
	require.NoError(t, a.Put(ctx, "1", Document{"n": 1.0, "a": "x"}))
	require.NoError(t, b.Put(ctx, "1", Document{"a": "x", "n": 1.0}))
	require.NoError(t, b.Put(ctx, "2", Document{"n": 2.0}))
	da, err := a.Dump(ctx)
	require.NoError(t, err)
	db, err := b.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}
