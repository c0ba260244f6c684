// Package publish pushes pending outgoing edits to the remote and retires the accepted ones.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ntloader/internal/domain"
	"ntloader/internal/events"
	"ntloader/internal/expand"
	"ntloader/internal/gateway"
	"ntloader/internal/logging"
	"ntloader/internal/manifest"
	"ntloader/internal/metrics"
	"ntloader/internal/store"
)

// DefaultConcurrency bounds simultaneous group pushes when none is configured.
const DefaultConcurrency = 5

type Status string

const (
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusUnavailable Status = "unavailable"
	StatusCancelled   Status = "cancelled"
)

// GroupResult is the outcome of one target's edits.
type GroupResult struct {
	Target  domain.Ref `json:"target"`
	EditIDs []int64    `json:"edit_ids"`
	Status  Status     `json:"status"`
	Reason  string     `json:"reason,omitempty"`
	// Error is set when the group was accepted but its edits could not be retired locally.
	Error string `json:"error,omitempty"`
}

type Result struct {
	RunID  string        `json:"run_id"`
	Groups []GroupResult `json:"groups"`
	// Retired lists the edit ids removed from the edit manifest.
	Retired []int64 `json:"retired"`
	// Refreshed counts mirror entities refetched for accepted targets.
	Refreshed int  `json:"refreshed"`
	Synced    bool `json:"synced"`
}

// Count returns how many groups ended with status.
func (r Result) Count(status Status) int {
	n := 0
	for _, g := range r.Groups {
		if g.Status == status {
			n++
		}
	}
	return n
}

// SyncFunc folds refetched mirror entities back into the manifests. It runs exactly once per
// publish that attempted at least one group.
type SyncFunc func(ctx context.Context, refreshed []manifest.Entity) error

type Pipeline struct {
	Edit        *manifest.Edit
	Gateway     gateway.Gateway
	Sync        SyncFunc
	Concurrency int
	Events      events.Writer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	NewRunID    func() string
}

// Publish runs one publish cycle. Groups are independent: a rejected or unreachable target
// keeps its edits for the next run while accepted targets are retired at once.
// When ctx is cancelled before any group is accepted, nothing is written.
func (p *Pipeline) Publish(ctx context.Context) (Result, error) {
	logger := p.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	res := Result{RunID: p.runID()}
	logger = logger.With(logging.FieldRunID, res.RunID)

	pending, err := p.pending(ctx)
	if err != nil {
		return res, err
	}
	groups := Group(pending)
	if len(groups) == 0 {
		logger.Info("nothing to publish")
		return res, nil
	}

	limit := p.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	res.Groups = make([]GroupResult, len(groups))
	var (
		mu         sync.Mutex
		retireErrs []error
		eg         errgroup.Group
	)
	eg.SetLimit(limit)
	for i, g := range groups {
		eg.Go(func() error {
			gr := p.push(ctx, g)
			mu.Lock()
			defer mu.Unlock()
			if err := p.journal(context.WithoutCancel(ctx), res.RunID, gr); err != nil {
				if gr.Status == StatusAccepted {
					gr.Error = err.Error()
					retireErrs = append(retireErrs, fmt.Errorf("retire %s: %w", g.Target, err))
					logger.Error("retire accepted group", logging.FieldTarget, g.Target.Key(), "error", err)
				} else {
					logger.Warn("record publish group", logging.FieldTarget, g.Target.Key(), "error", err)
				}
			} else if gr.Status == StatusAccepted {
				res.Retired = append(res.Retired, gr.EditIDs...)
			}
			res.Groups[i] = gr
			p.Metrics.PublishGroup(string(gr.Status))
			logger.Info("publish group", logging.FieldTarget, g.Target.Key(), "status", gr.Status, "edits", len(gr.EditIDs), "reason", gr.Reason)
			return nil
		})
	}
	_ = eg.Wait()
	sort.Slice(res.Retired, func(i, j int) bool { return res.Retired[i] < res.Retired[j] })
	retireErr := errors.Join(retireErrs...)

	accepted := res.Count(StatusAccepted)
	if ctx.Err() != nil && accepted == 0 {
		return res, errors.Join(ctx.Err(), retireErr)
	}
	// Accepted edits are already live remotely; the refresh must complete even if the caller gave up.
	after := ctx
	if ctx.Err() != nil {
		after = context.WithoutCancel(ctx)
	}
	var refreshed []manifest.Entity
	if ctx.Err() == nil {
		refreshed = p.refetch(ctx, logger, res.Groups)
	}
	res.Refreshed = len(refreshed)
	var syncErr error
	if p.Sync != nil {
		if err := p.Sync(after, refreshed); err != nil {
			syncErr = fmt.Errorf("post-publish sync: %w", err)
		} else {
			res.Synced = true
		}
	}
	p.record(after, logger, res)
	logger.Info("publish finished", "groups", len(groups), "accepted", accepted, "retired", len(res.Retired))
	return res, errors.Join(retireErr, syncErr, ctx.Err())
}

// Group partitions pending edits by their remote target. Groups are ordered by target key and
// edits inside a group by id.
func Group(docs []store.Document) []gateway.Group {
	byKey := map[string]*gateway.Group{}
	for _, d := range docs {
		target, ok := Target(d)
		if !ok {
			continue
		}
		g, ok := byKey[target.Key()]
		if !ok {
			g = &gateway.Group{Target: target}
			byKey[target.Key()] = g
		}
		g.Edits = append(g.Edits, d)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]gateway.Group, 0, len(keys))
	for _, k := range keys {
		g := byKey[k]
		sort.SliceStable(g.Edits, func(i, j int) bool {
			a, _ := g.Edits[i].Int64("id")
			b, _ := g.Edits[j].Int64("id")
			return a < b
		})
		out = append(out, *g)
	}
	return out
}

// Target returns the remote entity a pending edit mutates. Replies target their note.
func Target(d store.Document) (domain.Ref, bool) {
	switch domain.Kind(d.String("kind")) {
	case domain.KindNewNote, domain.KindStatusChange:
		id, ok := d.Int64("target_id")
		if !ok || d.String("target_type") == "" {
			return domain.Ref{}, false
		}
		return domain.Ref{Type: d.String("target_type"), ID: id}, true
	case domain.KindNoteReply:
		id, ok := d.Int64("note_id")
		if !ok {
			return domain.Ref{}, false
		}
		return domain.Ref{Type: "Note", ID: id}, true
	}
	return domain.Ref{}, false
}

func (p *Pipeline) pending(ctx context.Context) ([]store.Document, error) {
	var out []store.Document
	err := p.Edit.View(ctx, func(tx *manifest.EditTx) error {
		for _, k := range domain.PendingKinds {
			docs, err := tx.List(k)
			if err != nil {
				return err
			}
			out = append(out, docs...)
		}
		return nil
	})
	return out, err
}

func (p *Pipeline) push(ctx context.Context, g gateway.Group) GroupResult {
	gr := GroupResult{Target: g.Target}
	for _, e := range g.Edits {
		id, _ := e.Int64("id")
		gr.EditIDs = append(gr.EditIDs, id)
	}
	if ctx.Err() != nil {
		gr.Status = StatusCancelled
		return gr
	}
	err := p.Gateway.PushEdits(ctx, g)
	var rejected *gateway.RejectedError
	switch {
	case err == nil:
		gr.Status = StatusAccepted
	case errors.As(err, &rejected):
		gr.Status = StatusRejected
		gr.Reason = rejected.Reason
	case ctx.Err() != nil:
		gr.Status = StatusCancelled
		gr.Reason = err.Error()
	default:
		gr.Status = StatusUnavailable
		gr.Reason = err.Error()
	}
	return gr
}

// journal records the outcome of one group. Accepted groups are retired in the same
// transaction as their event; the other outcomes only leave an event.
func (p *Pipeline) journal(ctx context.Context, runID string, gr GroupResult) error {
	if gr.Status != StatusAccepted {
		if p.Events.DB == nil {
			return nil
		}
		payload := events.EventPayload{"status": gr.Status, "edit_ids": gr.EditIDs}
		if gr.Reason != "" {
			payload["reason"] = gr.Reason
		}
		return p.Events.Record(ctx, events.TypePublishGroup, gr.Target.Type, strconv.FormatInt(gr.Target.ID, 10), runID, payload)
	}
	return p.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		for _, id := range gr.EditIDs {
			if err := tx.Delete(id); err != nil {
				return err
			}
		}
		return p.Events.Append(ctx, tx.SQL(), events.TypePublishGroup, gr.Target.Type, strconv.FormatInt(gr.Target.ID, 10), runID,
			events.EventPayload{"status": gr.Status, "edit_ids": gr.EditIDs})
	})
}

// refetch loads the current remote state of every accepted target. Failures are logged and
// leave the mirror as it was.
func (p *Pipeline) refetch(ctx context.Context, logger *slog.Logger, groups []GroupResult) []manifest.Entity {
	byType := map[string][]int64{}
	var types []string
	for _, g := range groups {
		if g.Status != StatusAccepted {
			continue
		}
		if _, ok := byType[g.Target.Type]; !ok {
			types = append(types, g.Target.Type)
		}
		byType[g.Target.Type] = append(byType[g.Target.Type], g.Target.ID)
	}
	sort.Strings(types)
	var out []manifest.Entity
	for _, typ := range types {
		raws, err := p.Gateway.FetchEntities(ctx, typ, gateway.Filter{IDs: byType[typ]})
		if err != nil {
			logger.Warn("refetch after publish", "type", typ, "error", err)
			continue
		}
		out = append(out, expand.All(raws)...)
	}
	return out
}

func (p *Pipeline) record(ctx context.Context, logger *slog.Logger, res Result) {
	if p.Events.DB == nil {
		return
	}
	err := p.Events.Record(ctx, events.TypePublish, "publish", "", res.RunID, events.EventPayload{
		"accepted": res.Count(StatusAccepted), "rejected": res.Count(StatusRejected),
		"unavailable": res.Count(StatusUnavailable), "retired": len(res.Retired),
	})
	if err != nil {
		logger.Warn("record publish event", "error", err)
	}
}

func (p *Pipeline) runID() string {
	if p.NewRunID != nil {
		return p.NewRunID()
	}
	return uuid.NewString()
}
