package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault(122)))
	require.NoError(t, err)
	assert.Equal(t, int64(122), cfg.Project.ID)
	assert.Equal(t, 5, cfg.Publish.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, 5*time.Minute, cfg.ValidityInterval())
	assert.Contains(t, cfg.Fields["Version"], "sg_status_list")

	ts := cfg.ToolStateDefaults()
	assert.Equal(t, "Playlist and Cuts", ts.Options["Shotgrid View"])
	assert.Equal(t, "false", ts.Options["Import to loaded sequence"])
	assert.Equal(t, []string{"Copy/Download threadcount"}, ts.DisabledOptions)
	assert.Equal(t, []string{"wip", "rev", "apr", "na"}, ts.ValidStatuses["Version"])
	assert.Equal(t, "#2e8b57", ts.Tags["apr"])

	assert.Equal(t, Default(122).Project.ID, cfg.Project.ID)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"missing project":   func(c *Config) { c.Project.ID = 0 },
		"bad option":        func(c *Config) { c.Options = map[string]any{"x": 3} },
		"placeholder":       func(c *Config) { c.Statuses = map[string][]string{"Version": {"---"}} },
		"bad backup":        func(c *Config) { c.Backup.Driver = "tape" },
		"s3 without bucket": func(c *Config) { c.Backup.Driver = "s3" },
		"bad log format":    func(c *Config) { c.Logging.Format = "xml" },
		"negative publish":  func(c *Config) { c.Publish.Concurrency = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default(1)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	_, err = Load(dir)
	assert.ErrorContains(t, err, "ntl init")

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault(7)), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cfg.Project.ID)

	bc := cfg.BackupConfig(dir)
	assert.Equal(t, filepath.Join(dir, ".ntloader/backups"), bc.Dir)
}
