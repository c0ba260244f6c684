// Package tasklock keeps persistent import-task locks in the edit manifest.
//
// A lock is an ImportTask record in state new or in_progress. Overlap is checked and the record
// written in the same store transaction, so two acquisitions can never both succeed.
package tasklock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"ntloader/internal/domain"
	"ntloader/internal/events"
	"ntloader/internal/logging"
	"ntloader/internal/manifest"
	"ntloader/internal/store"
)

var (
	// ErrBusy is returned when an unresolved task already covers part of the requested scope.
	ErrBusy = errors.New("import scope busy")
	// ErrResolved is returned when a finished task is modified.
	ErrResolved = errors.New("import task already resolved")
)

type Manager struct {
	Edit   *manifest.Edit
	Events events.Writer
	Logger *slog.Logger
	Now    func() time.Time
}

func New(edit *manifest.Edit, logger *slog.Logger, now func() time.Time) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		Edit:   edit,
		Events: events.Writer{DB: edit.Store().DB(), Now: now},
		Logger: logging.WithComponent(logger, "tasklock"),
		Now:    now,
	}
}

// Acquire creates a new task for scope unless an unresolved task overlaps it.
func (m *Manager) Acquire(ctx context.Context, scope domain.Scope, stage domain.Stage) (domain.ImportTask, error) {
	if scope.Tree == "" {
		return domain.ImportTask{}, errors.New("scope tree is required")
	}
	if stage != domain.StageBinImport && stage != domain.StageTimelineImport {
		return domain.ImportTask{}, fmt.Errorf("invalid stage %q", stage)
	}
	task := domain.ImportTask{
		Base:  domain.Base{Kind: domain.KindImportTask},
		Scope: scope,
		Stage: stage,
		State: domain.TaskNew,
	}
	err := m.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		existing, err := listTasks(tx)
		if err != nil {
			return err
		}
		for _, t := range existing {
			if t.State.Unresolved() && t.Scope.Overlaps(scope) {
				return fmt.Errorf("%w: task %d (%s) holds %s", ErrBusy, t.ID, t.State, t.Scope.Tree)
			}
		}
		if err := tx.Create(&task); err != nil {
			return err
		}
		return m.Events.Append(ctx, tx.SQL(), events.TypeLockAcquire, string(domain.KindImportTask), idString(task.ID), "",
			events.EventPayload{"tree": scope.Tree, "stage": stage, "version_link_ids": scope.VersionLinkIDs})
	})
	if err != nil {
		if errors.Is(err, ErrBusy) {
			m.Logger.Info("import scope busy", "tree", scope.Tree, "error", err)
		}
		return domain.ImportTask{}, err
	}
	m.Logger.Info("import task acquired", logging.FieldEntityID, task.ID, "tree", scope.Tree, "stage", stage)
	return task, nil
}

// Start moves a new task to in_progress.
func (m *Manager) Start(ctx context.Context, id int64) (domain.ImportTask, error) {
	return m.mutate(ctx, id, func(t *domain.ImportTask) error {
		if t.State != domain.TaskNew {
			return fmt.Errorf("invalid import task transition %s -> %s", t.State, domain.TaskInProgress)
		}
		t.State = domain.TaskInProgress
		return nil
	})
}

// Tally counts one processed item. A new task is started implicitly.
func (m *Manager) Tally(ctx context.Context, id int64, ok bool) (domain.ImportTask, error) {
	return m.mutate(ctx, id, func(t *domain.ImportTask) error {
		t.State = domain.TaskInProgress
		if ok {
			t.CompletionTally++
		} else {
			t.FailureTally++
		}
		return nil
	})
}

// Resolve finishes a task as completed or failed, releasing its scope.
func (m *Manager) Resolve(ctx context.Context, id int64, state domain.TaskState, outcome string) (domain.ImportTask, error) {
	if state != domain.TaskCompleted && state != domain.TaskFailed {
		return domain.ImportTask{}, fmt.Errorf("invalid resolution state %q", state)
	}
	task, err := m.mutate(ctx, id, func(t *domain.ImportTask) error {
		t.State = state
		t.Outcome = outcome
		t.ResolvedAt = m.Now().UTC().Format(time.RFC3339)
		return nil
	}, func(tx *manifest.EditTx, t domain.ImportTask) error {
		return m.Events.Append(ctx, tx.SQL(), events.TypeLockResolve, string(domain.KindImportTask), idString(t.ID), "",
			events.EventPayload{"state": t.State, "outcome": t.Outcome, "completed": t.CompletionTally, "failed": t.FailureTally})
	})
	if err == nil {
		m.Logger.Info("import task resolved", logging.FieldEntityID, id, "state", state)
	}
	return task, err
}

// RecoverOnStartup deletes every unresolved task left by a previous session.
func (m *Manager) RecoverOnStartup(ctx context.Context) (int, error) {
	var removed []int64
	err := m.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		tasks, err := listTasks(tx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if !t.State.Unresolved() {
				continue
			}
			if err := tx.Delete(t.ID); err != nil {
				return err
			}
			removed = append(removed, t.ID)
		}
		if len(removed) == 0 {
			return nil
		}
		return m.Events.Append(ctx, tx.SQL(), events.TypeLockRecover, string(domain.KindImportTask), "", "",
			events.EventPayload{"removed": removed})
	})
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		m.Logger.Warn("removed stale import tasks", "count", len(removed), "ids", removed)
	}
	return len(removed), nil
}

// Get returns one task.
func (m *Manager) Get(ctx context.Context, id int64) (domain.ImportTask, error) {
	var t domain.ImportTask
	if err := m.Edit.Get(ctx, id, &t); err != nil {
		return t, err
	}
	if t.Kind != domain.KindImportTask {
		return domain.ImportTask{}, fmt.Errorf("import task %d: %w", id, store.ErrNotFound)
	}
	return t, nil
}

// List returns tasks ordered by id, optionally only the unresolved ones.
func (m *Manager) List(ctx context.Context, unresolvedOnly bool) ([]domain.ImportTask, error) {
	var out []domain.ImportTask
	err := m.Edit.View(ctx, func(tx *manifest.EditTx) error {
		tasks, err := listTasks(tx)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if !unresolvedOnly || t.State.Unresolved() {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (m *Manager) mutate(ctx context.Context, id int64, fn func(*domain.ImportTask) error, after ...func(*manifest.EditTx, domain.ImportTask) error) (domain.ImportTask, error) {
	var task domain.ImportTask
	err := m.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		if err := tx.Get(id, &task); err != nil {
			return err
		}
		if task.Kind != domain.KindImportTask {
			return fmt.Errorf("import task %d: %w", id, store.ErrNotFound)
		}
		if !task.State.Unresolved() {
			return fmt.Errorf("task %d is %s: %w", id, task.State, ErrResolved)
		}
		if err := fn(&task); err != nil {
			return err
		}
		if err := tx.Save(&task); err != nil {
			return err
		}
		for _, f := range after {
			if err := f(tx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.ImportTask{}, err
	}
	return task, nil
}

func listTasks(tx *manifest.EditTx) ([]domain.ImportTask, error) {
	docs, err := tx.List(domain.KindImportTask)
	if err != nil {
		return nil, err
	}
	return manifest.DecodeAll[domain.ImportTask](docs)
}

func idString(id int64) string { return strconv.FormatInt(id, 10) }
