// Package manifest wraps two record stores as the mirror manifest (remote snapshots) and the
// edit manifest (local working state).
package manifest

import (
	"context"
	"errors"
	"sort"
	"time"

	"ntloader/internal/domain"
	"ntloader/internal/store"
)

// Entity is a remote record as held by the mirror manifest.
type Entity store.Document

// Type returns the remote entity type.
func (e Entity) Type() string { return store.Document(e).String("type") }

// ID returns the remote identifier.
func (e Entity) ID() int64 {
	id, _ := store.Document(e).Int64("id")
	return id
}

// Ref returns the mirror reference of e.
func (e Entity) Ref() domain.Ref { return domain.Ref{Type: e.Type(), ID: e.ID()} }

// UpdatedAt returns the remote modification stamp, if any.
func (e Entity) UpdatedAt() string { return store.Document(e).String("updated_at") }

// String reads a string field.
func (e Entity) String(field string) string { return store.Document(e).String(field) }

// Int64 reads a numeric field.
func (e Entity) Int64(field string) (int64, bool) { return store.Document(e).Int64(field) }

// Clone deep-copies e.
func (e Entity) Clone() Entity { return Entity(store.Document(e).Clone()) }

// MirrorSnapshot is the full content of the mirror manifest keyed by Ref.Key.
type MirrorSnapshot map[string]Entity

// Lookup resolves a weak reference; a missing target is reported, not an error.
func (s MirrorSnapshot) Lookup(ref domain.Ref) (Entity, bool) {
	e, ok := s[ref.Key()]
	return e, ok
}

// Keys returns the snapshot keys in sorted order.
func (s MirrorSnapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type Mirror struct {
	st *store.Store
}

// OpenMirror opens the mirror manifest store at path.
func OpenMirror(ctx context.Context, path string, now func() time.Time) (*Mirror, error) {
	st, err := store.Open(ctx, path, store.Options{KindField: "type", Now: now})
	if err != nil {
		return nil, err
	}
	return &Mirror{st: st}, nil
}

// Store exposes the underlying record store.
func (m *Mirror) Store() *store.Store { return m.st }

func (m *Mirror) Close() error { return m.st.Close() }

// Get returns the entity for ref or store.ErrNotFound.
func (m *Mirror) Get(ctx context.Context, ref domain.Ref) (Entity, error) {
	d, err := m.st.Get(ctx, ref.Key())
	if err != nil {
		return nil, err
	}
	return Entity(d), nil
}

// Lookup resolves a weak reference. ok is false when the target is absent.
func (m *Mirror) Lookup(ctx context.Context, ref domain.Ref) (Entity, bool, error) {
	e, err := m.Get(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// List returns every entity of typ ordered by id.
func (m *Mirror) List(ctx context.Context, typ string, where ...store.Condition) ([]Entity, error) {
	docs, err := m.st.List(ctx, store.Filter{Kind: typ, Where: where})
	if err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(docs))
	for _, d := range docs {
		out = append(out, Entity(d))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type() != out[j].Type() {
			return out[i].Type() < out[j].Type()
		}
		return out[i].ID() < out[j].ID()
	})
	return out, nil
}

// Snapshot loads the whole manifest.
func (m *Mirror) Snapshot(ctx context.Context) (MirrorSnapshot, error) {
	docs, err := m.st.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	snap := make(MirrorSnapshot, len(docs))
	for _, d := range docs {
		e := Entity(d)
		snap[e.Ref().Key()] = e
	}
	return snap, nil
}

// Upsert writes entities in one transaction.
func (m *Mirror) Upsert(ctx context.Context, entities ...Entity) error {
	return m.st.Update(ctx, func(tx *store.Tx) error {
		for _, e := range entities {
			if err := tx.Put(e.Ref().Key(), store.Document(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Replace swaps the whole manifest for snap.
func (m *Mirror) Replace(ctx context.Context, snap MirrorSnapshot) error {
	docs := make(map[string]store.Document, len(snap))
	for k, e := range snap {
		docs[k] = store.Document(e)
	}
	return m.st.ReplaceAll(ctx, docs)
}

// Clear empties the manifest.
func (m *Mirror) Clear(ctx context.Context) error {
	return m.st.ReplaceAll(ctx, nil)
}
