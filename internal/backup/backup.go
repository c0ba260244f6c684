// Package backup stores manifest dumps before destructive operations.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Prefix starts every backup name.
const Prefix = "manifest_backup_"

// Drivers.
const (
	DriverNone = "none"
	DriverFS   = "fs"
	DriverS3   = "s3"
)

// Target receives named sets of files.
type Target interface {
	// Save writes files under name and returns where they went.
	Save(ctx context.Context, name string, files map[string][]byte) (string, error)
	// List returns existing backup names, oldest first.
	List(ctx context.Context) ([]string, error)
}

// Name returns the backup name for t, e.g. manifest_backup_20240301T120000Z.
func Name(t time.Time) string {
	return Prefix + t.UTC().Format("20060102T150405Z")
}

type Config struct {
	Driver string
	Dir    string
	S3     S3Config
}

// New builds the configured target. DriverNone yields a nil Target.
func New(ctx context.Context, cfg Config) (Target, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return nil, nil
	case DriverFS:
		if cfg.Dir == "" {
			return nil, errors.New("backup dir required for fs driver")
		}
		return FS{Dir: cfg.Dir}, nil
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	}
	return nil, fmt.Errorf("unknown backup driver %q", cfg.Driver)
}

// FS writes each backup into its own directory under Dir.
type FS struct {
	Dir string
}

func (f FS) Save(ctx context.Context, name string, files map[string][]byte) (string, error) {
	dir := filepath.Join(f.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for _, fn := range sortedNames(files) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(dir, fn), files[fn], 0o644); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func (f FS) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), Prefix) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
