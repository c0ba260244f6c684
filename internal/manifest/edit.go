package manifest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"ntloader/internal/domain"
	"ntloader/internal/schema"
	"ntloader/internal/store"
)

const editSequence = "edit"

// EditSnapshot is the full content of the edit manifest keyed by working entity id.
type EditSnapshot map[int64]store.Document

// IDs returns the snapshot ids in ascending order.
func (s EditSnapshot) IDs() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone deep-copies the snapshot.
func (s EditSnapshot) Clone() EditSnapshot {
	out := make(EditSnapshot, len(s))
	for id, d := range s {
		out[id] = d.Clone()
	}
	return out
}

// EditOptions configures OpenEdit.
type EditOptions struct {
	Now       func() time.Time
	Validator *schema.Validator
	// ToolState seeds the singleton the first time it is read.
	ToolState domain.ToolState
}

type Edit struct {
	st        *store.Store
	validator *schema.Validator
	now       func() time.Time
	defaults  domain.ToolState
}

// OpenEdit opens the edit manifest store at path. Key "0" is protected for the ToolState.
func OpenEdit(ctx context.Context, path string, opts EditOptions) (*Edit, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	st, err := store.Open(ctx, path, store.Options{
		KindField: "kind",
		Protected: []string{key(domain.ToolStateID)},
		Now:       opts.Now,
	})
	if err != nil {
		return nil, err
	}
	return &Edit{st: st, validator: opts.Validator, now: opts.Now, defaults: opts.ToolState}, nil
}

// Store exposes the underlying record store.
func (e *Edit) Store() *store.Store { return e.st }

func (e *Edit) Close() error { return e.st.Close() }

// Update runs fn in one write transaction.
func (e *Edit) Update(ctx context.Context, fn func(*EditTx) error) error {
	return e.st.Update(ctx, func(tx *store.Tx) error { return fn(&EditTx{tx: tx, e: e}) })
}

// View runs fn in one read transaction.
func (e *Edit) View(ctx context.Context, fn func(*EditTx) error) error {
	return e.st.View(ctx, func(tx *store.Tx) error { return fn(&EditTx{tx: tx, e: e}) })
}

// Create assigns the next free id to w and stores it.
func (e *Edit) Create(ctx context.Context, w domain.Working) error {
	return e.Update(ctx, func(tx *EditTx) error { return tx.Create(w) })
}

// Save overwrites an existing working entity.
func (e *Edit) Save(ctx context.Context, w domain.Working) error {
	return e.Update(ctx, func(tx *EditTx) error { return tx.Save(w) })
}

// Get decodes the entity at id into w.
func (e *Edit) Get(ctx context.Context, id int64, w domain.Working) error {
	return e.View(ctx, func(tx *EditTx) error { return tx.Get(id, w) })
}

// Doc returns the raw document at id.
func (e *Edit) Doc(ctx context.Context, id int64) (store.Document, error) {
	return e.st.Get(ctx, key(id))
}

// Delete removes id. The ToolState id is refused with store.ErrReserved.
func (e *Edit) Delete(ctx context.Context, id int64) error {
	return e.Update(ctx, func(tx *EditTx) error { return tx.Delete(id) })
}

// List returns documents of kind ordered by id.
func (e *Edit) List(ctx context.Context, kind domain.Kind, where ...store.Condition) ([]store.Document, error) {
	var out []store.Document
	err := e.View(ctx, func(tx *EditTx) error {
		docs, err := tx.List(kind, where...)
		out = docs
		return err
	})
	return out, err
}

// ListAs decodes every document of kind into T.
func ListAs[T any](ctx context.Context, e *Edit, kind domain.Kind, where ...store.Condition) ([]T, error) {
	docs, err := e.List(ctx, kind, where...)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](docs)
}

// Snapshot loads the whole manifest.
func (e *Edit) Snapshot(ctx context.Context) (EditSnapshot, error) {
	var snap EditSnapshot
	err := e.View(ctx, func(tx *EditTx) error {
		var err error
		snap, err = tx.Snapshot()
		return err
	})
	return snap, err
}

// Apply writes changed documents and removes deleted ids in one transaction.
func (e *Edit) Apply(ctx context.Context, changed EditSnapshot, deleted []int64) error {
	return e.Update(ctx, func(tx *EditTx) error {
		for _, id := range changed.IDs() {
			if err := tx.PutDoc(id, changed[id]); err != nil {
				return err
			}
		}
		for _, id := range deleted {
			if err := tx.Delete(id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearEdits removes every working entity except the ToolState.
func (e *Edit) ClearEdits(ctx context.Context) (int, error) {
	n := 0
	err := e.Update(ctx, func(tx *EditTx) error {
		docs, err := tx.List("")
		if err != nil {
			return err
		}
		for _, d := range docs {
			id, _ := d.Int64("id")
			if id == domain.ToolStateID {
				continue
			}
			if err := tx.Delete(id); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// ToolState returns the singleton, seeding it from the configured defaults on first access.
func (e *Edit) ToolState(ctx context.Context) (domain.ToolState, error) {
	var ts domain.ToolState
	err := e.Update(ctx, func(tx *EditTx) error {
		var err error
		ts, err = tx.ToolState()
		return err
	})
	return ts, err
}

// SaveToolState writes the singleton in place.
func (e *Edit) SaveToolState(ctx context.Context, ts domain.ToolState) error {
	return e.Update(ctx, func(tx *EditTx) error { return tx.SaveToolState(ts) })
}

// ResetToolState replaces the singleton with the configured defaults.
// It is the only way to clear the ToolState.
func (e *Edit) ResetToolState(ctx context.Context) (domain.ToolState, error) {
	ts := e.defaultToolState()
	err := e.Update(ctx, func(tx *EditTx) error { return tx.SaveToolState(ts) })
	return ts, err
}

func (e *Edit) defaultToolState() domain.ToolState {
	ts := e.defaults
	ts.Base = domain.Base{ID: domain.ToolStateID, Kind: domain.KindToolState, CreatedAt: e.stamp()}
	ts.Options = copyStrings(ts.Options)
	ts.Tags = copyStrings(ts.Tags)
	ts.ValidStatuses = copyLists(ts.ValidStatuses)
	ts.OptionChoices = copyLists(ts.OptionChoices)
	ts.DisabledOptions = append([]string(nil), ts.DisabledOptions...)
	ts.ResyncRequired = false
	ts.DriftCount = 0
	ts.LastSyncAt, ts.LastCheckAt = "", ""
	return ts
}

func (e *Edit) stamp() string { return e.now().UTC().Format(time.RFC3339) }

func (e *Edit) validate(doc store.Document) error {
	if e.validator == nil {
		return nil
	}
	return e.validator.Validate(doc)
}

// EditTx is a typed view of a store transaction on the edit manifest.
type EditTx struct {
	tx *store.Tx
	e  *Edit
}

// SQL exposes the transaction so journal entries commit with the change.
func (t *EditTx) SQL() *sql.Tx { return t.tx.SQL() }

// Create assigns the next id to w and writes it. Kind must be set and must not be ToolState.
func (t *EditTx) Create(w domain.Working) error {
	h := w.Header()
	if h.Kind == "" || h.Kind == domain.KindToolState {
		return fmt.Errorf("create: invalid kind %q", h.Kind)
	}
	id, err := t.tx.NextID(editSequence)
	if err != nil {
		return err
	}
	h.ID = id
	if h.CreatedAt == "" {
		h.CreatedAt = t.e.stamp()
	}
	return t.Save(w)
}

// Save writes w under its id after validation.
func (t *EditTx) Save(w domain.Working) error {
	h := w.Header()
	if h.ID == domain.ToolStateID && h.Kind != domain.KindToolState {
		return fmt.Errorf("save %s: id 0: %w", h.Kind, store.ErrReserved)
	}
	doc, err := store.Encode(w)
	if err != nil {
		return err
	}
	return t.PutDoc(h.ID, doc)
}

// PutDoc writes a raw document after validation.
func (t *EditTx) PutDoc(id int64, doc store.Document) error {
	if err := t.e.validate(doc); err != nil {
		return err
	}
	return t.tx.Put(key(id), doc)
}

// Get decodes the entity at id into w.
func (t *EditTx) Get(id int64, w domain.Working) error {
	d, err := t.tx.Get(key(id))
	if err != nil {
		return err
	}
	return store.Decode(d, w)
}

// Delete removes id; the ToolState is refused.
func (t *EditTx) Delete(id int64) error {
	return t.tx.Delete(key(id))
}

// List returns documents of kind ordered by id. An empty kind lists everything.
func (t *EditTx) List(kind domain.Kind, where ...store.Condition) ([]store.Document, error) {
	docs, err := t.tx.List(store.Filter{Kind: string(kind), Where: where})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, _ := docs[i].Int64("id")
		b, _ := docs[j].Int64("id")
		return a < b
	})
	return docs, nil
}

// Snapshot loads the whole manifest as seen by the transaction.
func (t *EditTx) Snapshot() (EditSnapshot, error) {
	docs, err := t.List("")
	if err != nil {
		return nil, err
	}
	snap := make(EditSnapshot, len(docs))
	for _, d := range docs {
		id, ok := d.Int64("id")
		if !ok {
			return nil, fmt.Errorf("%w: edit record without id", store.ErrStoreCorrupt)
		}
		snap[id] = d
	}
	return snap, nil
}

// ToolState reads the singleton, creating it from defaults when absent.
func (t *EditTx) ToolState() (domain.ToolState, error) {
	var ts domain.ToolState
	err := t.Get(domain.ToolStateID, &ts)
	if errors.Is(err, store.ErrNotFound) {
		ts = t.e.defaultToolState()
		return ts, t.SaveToolState(ts)
	}
	return ts, err
}

// SaveToolState writes the singleton.
func (t *EditTx) SaveToolState(ts domain.ToolState) error {
	ts.ID = domain.ToolStateID
	ts.Kind = domain.KindToolState
	if ts.Options == nil {
		ts.Options = map[string]string{}
	}
	if ts.ValidStatuses == nil {
		ts.ValidStatuses = map[string][]string{}
	}
	if ts.Tags == nil {
		ts.Tags = map[string]string{}
	}
	return t.Save(&ts)
}

func key(id int64) string { return strconv.FormatInt(id, 10) }

func decodeAll[T any](docs []store.Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := store.Decode(d, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeAll decodes documents into T.
func DecodeAll[T any](docs []store.Document) ([]T, error) { return decodeAll[T](docs) }

func copyStrings(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyLists(in map[string][]string) map[string][]string {
	if in == nil {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
