// Package events is the append-only journal kept next to the edit manifest.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	TypeFetch        = "mirror.fetch"
	TypeRefresh      = "mirror.refresh"
	TypeMirrorClear  = "mirror.clear"
	TypeSync         = "edit.sync"
	TypeConflict     = "edit.conflict"
	TypeEditCreate   = "edit.create"
	TypeEditUpdate   = "edit.update"
	TypeEditsClear   = "edit.clear"
	TypeToolReset    = "toolstate.reset"
	TypeOptions      = "toolstate.options"
	TypeEditDiscard  = "edit.discard"
	TypeCheck        = "edit.check"
	TypePublishGroup = "publish.group"
	TypePublish      = "publish.run"
	TypeLockAcquire  = "import.acquire"
	TypeLockResolve  = "import.resolve"
	TypeLockRecover  = "import.recover"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, runID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,run_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), nullable(runID), string(data))
	return err
}

// Record appends an event in its own transaction.
func (w Writer) Record(ctx context.Context, evtType, entityKind, entityID, runID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, runID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
