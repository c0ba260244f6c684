package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Query selects events. Zero values match everything.
type Query struct {
	Type       string
	EntityKind string
	EntityID   string
	RunID      string
	// Before returns events with a smaller id, newest first.
	Before int64
	// After returns events with a larger id, oldest first. It wins over Before.
	After int64
	Limit int
}

// List returns events matching q.
func List(ctx context.Context, db *sql.DB, q Query) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	add := func(clause string, v any) {
		clauses = append(clauses, clause)
		args = append(args, v)
	}
	if q.Type != "" {
		add("type=?", q.Type)
	}
	if q.EntityKind != "" {
		add("entity_kind=?", q.EntityKind)
	}
	if q.EntityID != "" {
		add("entity_id=?", q.EntityID)
	}
	if q.RunID != "" {
		add("run_id=?", q.RunID)
	}
	order := "DESC"
	switch {
	case q.After > 0:
		add("id>?", q.After)
		order = "ASC"
	case q.Before > 0:
		add("id<?", q.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,run_id,payload_json FROM events WHERE %s ORDER BY id %s LIMIT ?`,
		strings.Join(clauses, " AND "), order)
	args = append(args, q.Limit)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var entityID, runID sql.NullString
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &runID, &payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		e.RunID = runID.String
		e.Payload = json.RawMessage(payload)
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestID returns the most recent event id, 0 when the journal is empty.
func LatestID(ctx context.Context, db *sql.DB) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
