// Package store is the persistent document store behind both manifests.
//
// Every record is a JSON object stored under a string key together with a SHA-256 checksum of its
// encoded form. A record whose checksum no longer matches, or that cannot be decoded, makes the
// read fail with ErrStoreCorrupt instead of returning partial data.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ntloader/internal/db"
	"ntloader/internal/migrate"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrStoreCorrupt = errors.New("store corrupt")
	ErrReserved     = errors.New("reserved key")
)

// Document is a JSON object. Numbers decode as float64.
type Document map[string]any

// Options configures a Store.
type Options struct {
	// KindField names the document field copied into the indexed kind column.
	KindField string
	// Protected keys are refused by Delete and preserved by ReplaceAll.
	Protected []string
	Now       func() time.Time
}

type Store struct {
	db        *sql.DB
	path      string
	kindField string
	protected map[string]struct{}
	now       func() time.Time
}

// Open opens (creating if needed) the store at path, verifies it and applies migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:        conn,
		path:      path,
		kindField: opts.KindField,
		protected: map[string]struct{}{},
		now:       opts.Now,
	}
	for _, k := range opts.Protected {
		s.protected[k] = struct{}{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if err := s.quickCheck(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, classify(err)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file backing the store.
func (s *Store) Path() string { return s.path }

// DB exposes the connection for auxiliary tables living in the same file.
func (s *Store) DB() *sql.DB { return s.db }

// Put inserts or replaces the whole document under key.
//
// Documents are stored as JSON, so Get returns the JSON-normalized form: every number comes
// back as float64 (integers are exact up to 2^53), typed slices and maps come back as []any
// and map[string]any. A document already in that form round-trips unchanged.
func (s *Store) Put(ctx context.Context, key string, doc Document) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.Put(key, doc) })
}

// Get returns a copy of the document under key or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (Document, error) {
	var out Document
	err := s.View(ctx, func(tx *Tx) error {
		d, err := tx.Get(key)
		out = d
		return err
	})
	return out, err
}

// Delete removes key. Missing keys are a no-op; protected keys return ErrReserved.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.Delete(key) })
}

// List returns the documents matching f ordered by key.
func (s *Store) List(ctx context.Context, f Filter) ([]Document, error) {
	var out []Document
	err := s.View(ctx, func(tx *Tx) error {
		docs, err := tx.List(f)
		out = docs
		return err
	})
	return out, err
}

// ReplaceAll atomically swaps the whole content of the store for docs.
// Protected keys absent from docs are kept.
func (s *Store) ReplaceAll(ctx context.Context, docs map[string]Document) error {
	return s.Update(ctx, func(tx *Tx) error {
		keys, err := tx.keys()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, ok := docs[k]; ok {
				continue
			}
			if _, ok := s.protected[k]; ok {
				continue
			}
			if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM records WHERE key=?`, k); err != nil {
				return err
			}
		}
		for k, d := range docs {
			if err := tx.Put(k, d); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update runs fn inside a write transaction. Nothing is written unless fn returns nil
// and the commit succeeds.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer sqlTx.Rollback()
	if err := fn(&Tx{tx: sqlTx, s: s, ctx: ctx}); err != nil {
		return err
	}
	return classify(sqlTx.Commit())
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer sqlTx.Rollback()
	return fn(&Tx{tx: sqlTx, s: s, ctx: ctx, readOnly: true})
}

type dumpEntry struct {
	Key string          `json:"key"`
	Doc json.RawMessage `json:"doc"`
}

// Dump returns the canonical JSON encoding of every record in key order.
// Two stores with equal content produce identical bytes.
func (s *Store) Dump(ctx context.Context) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, doc, checksum FROM records ORDER BY key`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	entries := []dumpEntry{}
	for rows.Next() {
		var key, doc, sum string
		if err := rows.Scan(&key, &doc, &sum); err != nil {
			return nil, classify(err)
		}
		if checksum([]byte(doc)) != sum {
			return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrStoreCorrupt, key)
		}
		entries = append(entries, dumpEntry{Key: key, Doc: json.RawMessage(doc)})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return json.Marshal(entries)
}

// Check verifies the database file and every record checksum.
func (s *Store) Check(ctx context.Context) error {
	if err := s.quickCheck(ctx); err != nil {
		return err
	}
	return s.View(ctx, func(tx *Tx) error {
		_, err := tx.List(Filter{})
		return err
	})
}

// Count returns the number of records of kind, or all records when kind is empty.
func (s *Store) Count(ctx context.Context, kind string) (int, error) {
	q := `SELECT COUNT(*) FROM records`
	var args []any
	if kind != "" {
		q += ` WHERE kind=?`
		args = append(args, kind)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *Store) quickCheck(ctx context.Context) error {
	var res string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&res); err != nil {
		return classify(err)
	}
	if res != "ok" {
		return fmt.Errorf("%w: %s", ErrStoreCorrupt, res)
	}
	return nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// classify maps sqlite corruption errors onto ErrStoreCorrupt.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed") || strings.Contains(msg, "corrupt") {
		return fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	return err
}
