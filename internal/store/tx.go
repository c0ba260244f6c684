package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var errReadOnly = errors.New("write in read-only transaction")

// Tx is a store transaction handed to Update and View callbacks.
type Tx struct {
	tx       *sql.Tx
	s        *Store
	ctx      context.Context
	readOnly bool
}

// SQL exposes the underlying transaction for side tables such as the event journal.
func (t *Tx) SQL() *sql.Tx { return t.tx }

// Get returns the document under key or ErrNotFound.
func (t *Tx) Get(key string) (Document, error) {
	var doc, sum string
	err := t.tx.QueryRowContext(t.ctx, `SELECT doc, checksum FROM records WHERE key=?`, key).Scan(&doc, &sum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return decode(key, doc, sum)
}

// Put inserts or replaces the document under key.
func (t *Tx) Put(key string, doc Document) error {
	if t.readOnly {
		return errReadOnly
	}
	if key == "" {
		return errors.New("store: empty key")
	}
	if doc == nil {
		doc = Document{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	kind := ""
	if t.s.kindField != "" {
		kind, _ = doc[t.s.kindField].(string)
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO records(key,kind,doc,checksum,updated_at) VALUES (?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET kind=excluded.kind, doc=excluded.doc, checksum=excluded.checksum, updated_at=excluded.updated_at`,
		key, kind, string(data), checksum(data), t.s.now().UTC().Format(time.RFC3339Nano))
	return classify(err)
}

// Delete removes key; missing keys are a no-op.
func (t *Tx) Delete(key string) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, ok := t.s.protected[key]; ok {
		return fmt.Errorf("delete %s: %w", key, ErrReserved)
	}
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM records WHERE key=?`, key)
	return classify(err)
}

// List returns the documents matching f ordered by key.
func (t *Tx) List(f Filter) ([]Document, error) {
	q := `SELECT key, doc, checksum FROM records`
	var args []any
	if f.Kind != "" {
		q += ` WHERE kind=?`
		args = append(args, f.Kind)
	}
	q += ` ORDER BY key`
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var key, doc, sum string
		if err := rows.Scan(&key, &doc, &sum); err != nil {
			return nil, classify(err)
		}
		d, err := decode(key, doc, sum)
		if err != nil {
			return nil, err
		}
		if f.Match(d) {
			out = append(out, d)
		}
	}
	return out, classify(rows.Err())
}

// NextID returns the next value of the named sequence, starting at 1.
func (t *Tx) NextID(name string) (int64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	var v int64
	err := t.tx.QueryRowContext(t.ctx, `INSERT INTO sequences(name,value) VALUES (?,1)
		ON CONFLICT(name) DO UPDATE SET value=value+1 RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, classify(err)
	}
	return v, nil
}

func (t *Tx) keys() ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT key FROM records ORDER BY key`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func decode(key, doc, sum string) (Document, error) {
	if checksum([]byte(doc)) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrStoreCorrupt, key)
	}
	var d Document
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrStoreCorrupt, key, err)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: %s is not an object", ErrStoreCorrupt, key)
	}
	return d, nil
}
