package db

import (
	"errors"
	"testing"
)

func TestLockIsExclusive(t *testing.T) {
	ws := t.TempDir()
	first, err := Lock(ws)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer first.Unlock()

	if _, err := Lock(ws); !errors.Is(err, ErrWorkspaceLocked) {
		t.Fatalf("expected ErrWorkspaceLocked, got %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := Lock(ws)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again.Unlock()
}

func TestOpenCreatesParent(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(EditPath(ws))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
