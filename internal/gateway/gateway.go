// Package gateway is the boundary to the remote entity service.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"ntloader/internal/domain"
	"ntloader/internal/store"
)

var (
	// ErrRemoteUnavailable covers transport failures and remote 5xx answers.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrRejected matches every *RejectedError.
	ErrRejected = errors.New("rejected by remote")
)

// RejectedError is a definitive refusal of a pushed edit group.
type RejectedError struct {
	Target domain.Ref
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected by remote: %s", e.Target, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Rejected builds a RejectedError.
func Rejected(target domain.Ref, reason string) error {
	return &RejectedError{Target: target, Reason: reason}
}

// RawRecord is a remote record as returned by the service, before expansion.
type RawRecord map[string]any

// Type returns the remote entity type.
func (r RawRecord) Type() string { return store.Document(r).String("type") }

// ID returns the remote identifier.
func (r RawRecord) ID() int64 {
	id, _ := store.Document(r).Int64("id")
	return id
}

// Filter narrows FetchEntities.
type Filter struct {
	IDs       []int64
	ProjectID int64
	Fields    []string
}

// Group is every pending edit addressed to one remote entity, ordered by creation id.
type Group struct {
	Target domain.Ref
	Edits  []store.Document
}

// Gateway is the remote entity service as consumed by the engine. PushEdits returns nil when
// the remote accepted the group, a *RejectedError when it refused it, and an error wrapping
// ErrRemoteUnavailable when the outcome is unknown.
type Gateway interface {
	FetchProject(ctx context.Context, projectID int64) ([]RawRecord, error)
	FetchEntities(ctx context.Context, entityType string, f Filter) ([]RawRecord, error)
	PushEdits(ctx context.Context, g Group) error
}
