package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const (
	dirName      = ".ntloader"
	mirrorDBName = "mirror.db"
	editDBName   = "edit.db"
	lockName     = "session.lock"
)

// ErrWorkspaceLocked is returned when another engine already holds the workspace.
var ErrWorkspaceLocked = errors.New("workspace is locked by another ntloader session")

func dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dirName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := dir(workspace)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// MirrorPath returns the mirror manifest database path.
func MirrorPath(workspace string) string {
	return filepath.Join(dir(workspace), mirrorDBName)
}

// EditPath returns the edit manifest database path.
func EditPath(workspace string) string {
	return filepath.Join(dir(workspace), editDBName)
}

// Open opens a SQLite database file. Writes are durable once the statement returns.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer per file; transactions hold the only connection
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Lock takes the workspace session lock without blocking.
func Lock(workspace string) (*flock.Flock, error) {
	path, err := EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(path, lockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !ok {
		return nil, ErrWorkspaceLocked
	}
	return lock, nil
}
