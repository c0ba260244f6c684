package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ntloader/internal/backup"
	"ntloader/internal/config"
	"ntloader/internal/domain"
	"ntloader/internal/events"
	"ntloader/internal/gateway"
	"ntloader/internal/logging"
	"ntloader/internal/manifest"
	"ntloader/internal/metrics"
	"ntloader/internal/options"
	"ntloader/internal/publish"
	"ntloader/internal/schema"
	"ntloader/internal/tasklock"
)

// ErrInvalid marks a request the engine refuses before touching any store.
var ErrInvalid = errors.New("invalid request")

type Engine struct {
	Mirror    *manifest.Mirror
	Edit      *manifest.Edit
	Gateway   gateway.Gateway
	Config    *config.Config
	Locks     *tasklock.Manager
	Validator *schema.Validator
	Events    events.Writer
	Backup    backup.Target
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time

	// session serializes synchronization, fetch commits, publish and clears.
	session sync.Mutex

	opsMu sync.Mutex
	ops   map[string]*Operation
}

type Options struct {
	Mirror    *manifest.Mirror
	Edit      *manifest.Edit
	Gateway   gateway.Gateway
	Config    *config.Config
	Validator *schema.Validator
	Backup    backup.Target
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Config == nil {
		opts.Config = config.Default(1)
	}
	return &Engine{
		Mirror:    opts.Mirror,
		Edit:      opts.Edit,
		Gateway:   opts.Gateway,
		Config:    opts.Config,
		Locks:     tasklock.New(opts.Edit, opts.Logger, opts.Now),
		Validator: opts.Validator,
		Events:    events.Writer{DB: opts.Edit.Store().DB(), Now: opts.Now},
		Backup:    opts.Backup,
		Metrics:   opts.Metrics,
		Logger:    logging.WithComponent(opts.Logger, "engine"),
		Now:       opts.Now,
		ops:       map[string]*Operation{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string { return e.now().UTC().Format(time.RFC3339) }

// StartupReport describes the work done by Startup.
type StartupReport struct {
	RecoveredTasks int              `json:"recovered_tasks"`
	ToolState      domain.ToolState `json:"tool_state"`
}

// Startup prepares a session: the ToolState exists and no import lock survives from a
// previous run.
func (e *Engine) Startup(ctx context.Context) (StartupReport, error) {
	ts, err := e.Edit.ToolState(ctx)
	if err != nil {
		return StartupReport{}, fmt.Errorf("tool state: %w", err)
	}
	n, err := e.Locks.RecoverOnStartup(ctx)
	if err != nil {
		return StartupReport{}, fmt.Errorf("recover import tasks: %w", err)
	}
	e.refreshPending(ctx)
	return StartupReport{RecoveredTasks: n, ToolState: ts}, nil
}

// Publish flushes pending outgoing edits and re-synchronizes once.
func (e *Engine) Publish(ctx context.Context) (publish.Result, error) {
	e.session.Lock()
	defer e.session.Unlock()
	p := &publish.Pipeline{
		Edit:        e.Edit,
		Gateway:     e.Gateway,
		Concurrency: e.Config.Publish.Concurrency,
		Events:      e.Events,
		Logger:      logging.WithComponent(e.Logger, "publish"),
		Metrics:     e.Metrics,
		Sync: func(ctx context.Context, refreshed []manifest.Entity) error {
			if len(refreshed) > 0 {
				if err := e.Mirror.Upsert(ctx, refreshed...); err != nil {
					return err
				}
			}
			_, err := e.syncLocked(ctx, "publish")
			return err
		},
	}
	res, err := p.Publish(ctx)
	e.refreshPending(context.WithoutCancel(ctx))
	return res, err
}

// AcquireImport takes the import lock for scope.
func (e *Engine) AcquireImport(ctx context.Context, scope domain.Scope, stage domain.Stage) (domain.ImportTask, error) {
	t, err := e.Locks.Acquire(ctx, scope, stage)
	if errors.Is(err, tasklock.ErrBusy) {
		e.Metrics.LockBusy()
	}
	return t, err
}

// ResolveImport finishes an import task.
func (e *Engine) ResolveImport(ctx context.Context, id int64, state domain.TaskState, outcome string) (domain.ImportTask, error) {
	return e.Locks.Resolve(ctx, id, state, outcome)
}

// ResetToolState restores the configured defaults.
func (e *Engine) ResetToolState(ctx context.Context) (domain.ToolState, error) {
	ts, err := e.Edit.ResetToolState(ctx)
	if err != nil {
		return ts, err
	}
	if err := e.Events.Record(ctx, events.TypeToolReset, string(domain.KindToolState), "0", "", nil); err != nil {
		return ts, err
	}
	return ts, nil
}

// ListEvents reads the journal.
func (e *Engine) ListEvents(ctx context.Context, q events.Query) ([]events.Event, error) {
	return events.List(ctx, e.Edit.Store().DB(), q)
}

func (e *Engine) refreshPending(ctx context.Context) {
	if e.Metrics == nil {
		return
	}
	n := 0
	for _, k := range domain.PendingKinds {
		c, err := e.Edit.Store().Count(ctx, string(k))
		if err != nil {
			return
		}
		n += c
	}
	e.Metrics.SetPending(n)
}

// ApplyOptions merges an options set into the ToolState, keeping selections that are still valid.
func (e *Engine) ApplyOptions(ctx context.Context, set options.Set) (domain.ToolState, error) {
	var ts domain.ToolState
	err := e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		var err error
		if ts, err = tx.ToolState(); err != nil {
			return err
		}
		set.Apply(&ts)
		if err := tx.SaveToolState(ts); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx.SQL(), events.TypeOptions, string(domain.KindToolState), "0", "",
			events.EventPayload{"options": ts.Options})
	})
	if err == nil {
		e.Logger.Info("options applied", "count", len(ts.Options))
	}
	return ts, err
}

// SetOption selects value for an enabled option.
func (e *Engine) SetOption(ctx context.Context, name, value string) (domain.ToolState, error) {
	var ts domain.ToolState
	err := e.Edit.Update(ctx, func(tx *manifest.EditTx) error {
		var err error
		if ts, err = tx.ToolState(); err != nil {
			return err
		}
		if !optionAllowed(ts, name, value) {
			return fmt.Errorf("%w: option %s=%q", ErrInvalid, name, value)
		}
		ts.Options[name] = value
		return tx.SaveToolState(ts)
	})
	return ts, err
}

func optionAllowed(ts domain.ToolState, name, value string) bool {
	for _, d := range ts.DisabledOptions {
		if d == name {
			return false
		}
	}
	choices, ok := ts.OptionChoices[name]
	if !ok {
		_, known := ts.Options[name]
		return known
	}
	if len(choices) == 0 {
		return true
	}
	for _, c := range choices {
		if c == value {
			return true
		}
	}
	return false
}
