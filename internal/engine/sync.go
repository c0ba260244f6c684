package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ntloader/internal/events"
	"ntloader/internal/expand"
	"ntloader/internal/gateway"
	"ntloader/internal/logging"
	"ntloader/internal/manifest"
	"ntloader/internal/merge"
)

// SyncReport summarizes one synchronization pass.
type SyncReport struct {
	RunID     string           `json:"run_id"`
	Entities  int              `json:"entities"`
	Changed   []int64          `json:"changed"`
	Conflicts []merge.Conflict `json:"conflicts"`
	Dangling  []merge.Dangling `json:"dangling"`
}

// Fetch downloads the configured project, rebuilds the mirror and synchronizes the edit
// manifest. The remote answer is complete or the call fails; nothing is written until both new
// manifests are built, and once writing starts cancellation is ignored.
func (e *Engine) Fetch(ctx context.Context) (SyncReport, error) {
	start := e.now()
	raws, err := e.Gateway.FetchProject(ctx, e.Config.Project.ID)
	e.Metrics.ObserveFetch(err, e.now().Sub(start))
	if err != nil {
		return SyncReport{}, fmt.Errorf("fetch project %d: %w", e.Config.Project.ID, err)
	}
	fresh := snapshotOf(expand.All(raws))

	e.session.Lock()
	defer e.session.Unlock()
	if err := ctx.Err(); err != nil {
		return SyncReport{}, err
	}

	commit := context.WithoutCancel(ctx)
	if err := e.Mirror.Replace(commit, fresh); err != nil {
		return SyncReport{}, fmt.Errorf("write mirror: %w", err)
	}
	report, err := e.commitSync(commit, "fetch", fresh)
	if err != nil {
		return report, err
	}
	report.Entities = len(fresh)
	if err := e.Events.Record(commit, events.TypeFetch, "Project", strconv.FormatInt(e.Config.Project.ID, 10), report.RunID,
		events.EventPayload{"entities": len(fresh)}); err != nil {
		return report, err
	}
	e.Logger.Info("fetch complete", logging.FieldRunID, report.RunID, "entities", len(fresh), "changed", len(report.Changed))
	return report, nil
}

// RefreshEntities refetches individual remote records, merges them into the mirror and
// synchronizes.
func (e *Engine) RefreshEntities(ctx context.Context, entityType string, ids []int64) (SyncReport, error) {
	if entityType == "" || len(ids) == 0 {
		return SyncReport{}, fmt.Errorf("%w: entity type and ids are required", ErrInvalid)
	}
	raws, err := e.Gateway.FetchEntities(ctx, entityType, gateway.Filter{
		IDs:       ids,
		ProjectID: e.Config.Project.ID,
		Fields:    e.Config.Fields[entityType],
	})
	if err != nil {
		return SyncReport{}, fmt.Errorf("fetch %s: %w", entityType, err)
	}
	ents := expand.All(raws)

	e.session.Lock()
	defer e.session.Unlock()
	if err := ctx.Err(); err != nil {
		return SyncReport{}, err
	}
	commit := context.WithoutCancel(ctx)
	if err := e.Mirror.Upsert(commit, ents...); err != nil {
		return SyncReport{}, err
	}
	report, err := e.syncLocked(commit, "refresh")
	if err != nil {
		return report, err
	}
	report.Entities = len(ents)
	return report, e.Events.Record(commit, events.TypeRefresh, entityType, "", report.RunID, events.EventPayload{"ids": ids, "found": len(ents)})
}

// Synchronize folds the current mirror into the edit manifest.
func (e *Engine) Synchronize(ctx context.Context) (SyncReport, error) {
	e.session.Lock()
	defer e.session.Unlock()
	return e.syncLocked(ctx, "sync")
}

func (e *Engine) syncLocked(ctx context.Context, reason string) (SyncReport, error) {
	fresh, err := e.Mirror.Snapshot(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	report, err := e.commitSync(ctx, reason, fresh)
	report.Entities = len(fresh)
	return report, err
}

// commitSync merges fresh into the edit manifest and writes the refreshed documents and the
// ToolState bookkeeping. The merge reads the documents inside the write transaction, so an edit
// committed concurrently is refreshed rather than overwritten.
func (e *Engine) commitSync(ctx context.Context, reason string, fresh manifest.MirrorSnapshot) (SyncReport, error) {
	report := SyncReport{RunID: uuid.NewString()}
	var res merge.Result
	err := e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		current, err := tx.Snapshot()
		if err != nil {
			return err
		}
		res = merge.Synchronize(fresh, current)
		for _, id := range res.Changed {
			if err := tx.PutDoc(id, res.Edit[id]); err != nil {
				return err
			}
		}
		ts, err := tx.ToolState()
		if err != nil {
			return err
		}
		ts.LastSyncAt = e.stamp()
		ts.ResyncRequired = false
		ts.DriftCount = len(res.Dangling)
		if err := tx.SaveToolState(ts); err != nil {
			return err
		}
		for _, c := range res.Conflicts {
			if err := e.Events.Append(ctx, tx.SQL(), events.TypeConflict, string(c.Kind), strconv.FormatInt(c.ID, 10), report.RunID,
				events.EventPayload{"field": c.Field, "local": c.Local, "remote": c.Remote}); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx.SQL(), events.TypeSync, "Edit", "", report.RunID, events.EventPayload{
			"reason": reason, "changed": len(res.Changed), "conflicts": len(res.Conflicts), "dangling": len(res.Dangling),
		})
	})
	report.Changed, report.Conflicts, report.Dangling = res.Changed, res.Conflicts, res.Dangling
	if err != nil {
		return report, fmt.Errorf("write edit manifest: %w", err)
	}
	for _, c := range res.Conflicts {
		e.Metrics.Conflict(string(c.Kind))
		e.Logger.Warn("conflict ignored", logging.FieldKind, c.Kind, logging.FieldEntityID, c.ID, logging.FieldField, c.Field,
			"local", c.Local, "remote", c.Remote)
	}
	e.Metrics.ObserveSync(len(res.Changed), len(res.Dangling))
	e.Logger.Info("synchronized", logging.FieldRunID, report.RunID, "reason", reason, "changed", len(res.Changed),
		"conflicts", len(res.Conflicts), "dangling", len(res.Dangling))
	return report, nil
}

// CheckValidity verifies both stores and compares the edit manifest against the mirror without
// repairing anything. A dirty report sets ToolState.ResyncRequired.
func (e *Engine) CheckValidity(ctx context.Context) (merge.Report, error) {
	e.session.Lock()
	defer e.session.Unlock()
	if err := e.Mirror.Store().Check(ctx); err != nil {
		return merge.Report{}, err
	}
	if err := e.Edit.Store().Check(ctx); err != nil {
		return merge.Report{}, err
	}
	mirror, err := e.Mirror.Snapshot(ctx)
	if err != nil {
		return merge.Report{}, err
	}
	edit, err := e.Edit.Snapshot(ctx)
	if err != nil {
		return merge.Report{}, err
	}
	rep := merge.Validate(mirror, edit, e.Validator)
	err = e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		ts, err := tx.ToolState()
		if err != nil {
			return err
		}
		ts.ResyncRequired = !rep.Clean()
		ts.DriftCount = rep.Count()
		ts.LastCheckAt = e.stamp()
		if err := tx.SaveToolState(ts); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.SQL(), events.TypeCheck, "Edit", "", "", events.EventPayload{
			"dangling": len(rep.Dangling), "invalid": len(rep.Invalid), "duplicates": len(rep.Duplicates), "stale": len(rep.Stale),
		})
	})
	if err != nil {
		return rep, err
	}
	e.Metrics.SetValidityIssues(rep.Count())
	if !rep.Clean() {
		e.Logger.Warn("validity check found drift", "dangling", len(rep.Dangling), "invalid", len(rep.Invalid),
			"duplicates", len(rep.Duplicates), "stale", len(rep.Stale))
	}
	return rep, nil
}

// RunValidityLoop runs CheckValidity every interval until ctx ends.
func (e *Engine) RunValidityLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: validity interval must be positive", ErrInvalid)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.CheckValidity(ctx); err != nil && ctx.Err() == nil {
				e.Logger.Error("validity check failed", "error", err)
			}
		}
	}
}

// StartValidityLoop runs RunValidityLoop in the background.
func (e *Engine) StartValidityLoop(ctx context.Context, interval time.Duration) *Operation {
	return e.Go(ctx, "validity-loop", func(ctx context.Context) (any, error) {
		return nil, e.RunValidityLoop(ctx, interval)
	})
}

func snapshotOf(ents []manifest.Entity) manifest.MirrorSnapshot {
	snap := make(manifest.MirrorSnapshot, len(ents))
	for _, ent := range ents {
		snap[ent.Ref().Key()] = ent
	}
	return snap
}
