// Package app opens a workspace and assembles the engine the CLI and the API server share.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"ntloader/internal/backup"
	"ntloader/internal/config"
	"ntloader/internal/db"
	"ntloader/internal/engine"
	"ntloader/internal/gateway"
	"ntloader/internal/logging"
	"ntloader/internal/manifest"
	"ntloader/internal/metrics"
	"ntloader/internal/options"
	"ntloader/internal/schema"
)

// Options configures Open.
type Options struct {
	Workspace string
	// Config overrides the workspace ntloader.yml.
	Config *config.Config
	// Gateway overrides the REST client built from the config.
	Gateway   gateway.Gateway
	LogOutput io.Writer
	LogLevel  string
	Now       func() time.Time
}

// App owns the workspace lock and both manifests for one session.
type App struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Engine    *engine.Engine

	lock   *flock.Flock
	mirror *manifest.Mirror
	edit   *manifest.Edit
}

// Open locks the workspace, opens both manifests and runs engine startup.
func Open(ctx context.Context, opts Options) (*App, error) {
	ws := opts.Workspace
	if ws == "" {
		ws = "."
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(ws); err != nil {
			return nil, err
		}
	}
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format, Output: opts.LogOutput})
	if err != nil {
		return nil, err
	}
	lock, err := db.Lock(ws)
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: ws, Config: cfg, Logger: logger, lock: lock}
	if err := a.open(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, opts Options) error {
	validator, err := schema.New()
	if err != nil {
		return err
	}
	defaults := a.Config.ToolStateDefaults()
	if set, ok, err := a.loadOptionsFile(); err != nil {
		return err
	} else if ok {
		set.Apply(&defaults)
	}
	if a.mirror, err = manifest.OpenMirror(ctx, db.MirrorPath(a.Workspace), opts.Now); err != nil {
		return fmt.Errorf("open mirror manifest: %w", err)
	}
	if a.edit, err = manifest.OpenEdit(ctx, db.EditPath(a.Workspace), manifest.EditOptions{
		Now:       opts.Now,
		Validator: validator,
		ToolState: defaults,
	}); err != nil {
		return fmt.Errorf("open edit manifest: %w", err)
	}
	gw := opts.Gateway
	if gw == nil {
		rest := gateway.NewREST(a.Config.Remote.BaseURL, os.Getenv(a.Config.Remote.TokenEnv), a.Config.Fields)
		rest.Timeout = a.Config.Timeout()
		gw = rest
	}
	bk, err := backup.New(ctx, a.Config.BackupConfig(a.Workspace))
	if err != nil {
		return err
	}
	a.Metrics = metrics.New()
	a.Engine = engine.New(engine.Options{
		Mirror:    a.mirror,
		Edit:      a.edit,
		Gateway:   gw,
		Config:    a.Config,
		Validator: validator,
		Backup:    bk,
		Metrics:   a.Metrics,
		Logger:    a.Logger,
		Now:       opts.Now,
	})
	rep, err := a.Engine.Startup(ctx)
	if err != nil {
		return err
	}
	if rep.RecoveredTasks > 0 {
		a.Logger.Warn("removed import tasks left by a previous session", "count", rep.RecoveredTasks)
	}
	return nil
}

// OptionsPath is the options file, resolved against the workspace. Empty when not configured.
func (a *App) OptionsPath() string {
	p := a.Config.OptionsFile
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.Workspace, p)
}

func (a *App) loadOptionsFile() (options.Set, bool, error) {
	path := a.OptionsPath()
	if path == "" {
		return options.Set{}, false, nil
	}
	set, err := options.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return options.Set{}, false, nil
	}
	if err != nil {
		return options.Set{}, false, err
	}
	return set, true, nil
}

// WatchOptions applies the options file to the ToolState whenever it changes, until ctx ends.
func (a *App) WatchOptions(ctx context.Context) error {
	path := a.OptionsPath()
	if path == "" {
		<-ctx.Done()
		return nil
	}
	return options.Watch(ctx, path, a.Logger, func(set options.Set) {
		if _, err := a.Engine.ApplyOptions(ctx, set); err != nil {
			a.Logger.Error("apply options", "error", err)
		}
	})
}

// Close releases the manifests and the workspace lock.
func (a *App) Close() error {
	var errs []error
	if a.mirror != nil {
		errs = append(errs, a.mirror.Close())
	}
	if a.edit != nil {
		errs = append(errs, a.edit.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Unlock())
	}
	return errors.Join(errs...)
}
