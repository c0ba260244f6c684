package options

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntloader/internal/domain"
	"ntloader/internal/logging"
)

const sample = `{
  "Shotgrid View": ["Playlist and Cuts*", "Shot and Sequence"],
  "Import to loaded sequence": false,
  "#Copy/Download threadcount": ["Full*", "Half", "Quarter"],
  "Cut lead in frames": ["1000"]
}`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "Playlist and Cuts", s.Defaults["Shotgrid View"])
	assert.Equal(t, []string{"Playlist and Cuts", "Shot and Sequence"}, s.Choices["Shotgrid View"])
	assert.Equal(t, "false", s.Defaults["Import to loaded sequence"])
	assert.Equal(t, "Full", s.Defaults["Copy/Download threadcount"])
	assert.Equal(t, "1000", s.Defaults["Cut lead in frames"], "first choice when none is starred")
	assert.Equal(t, []string{"Copy/Download threadcount"}, s.Disabled)
}

func TestParseRejectsBadValues(t *testing.T) {
	for _, in := range []string{`[]`, `{"a": 3}`, `{"a": []}`, `{"#": true}`, `not json`} {
		_, err := Parse([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestApplyKeepsValidSelections(t *testing.T) {
	s, err := Parse([]byte(sample))
	require.NoError(t, err)
	ts := domain.ToolState{Options: map[string]string{
		"Shotgrid View":             "Shot and Sequence",
		"Copy/Download threadcount": "Half",
		"Cut lead in frames":        "999",
		"Removed option":            "x",
	}}
	s.Apply(&ts)
	assert.Equal(t, "Shot and Sequence", ts.Options["Shotgrid View"])
	assert.Equal(t, "Full", ts.Options["Copy/Download threadcount"], "disabled options reset")
	assert.Equal(t, "1000", ts.Options["Cut lead in frames"], "invalid choice reset")
	assert.NotContains(t, ts.Options, "Removed option")
	assert.Equal(t, []string{"Copy/Download threadcount"}, ts.DisabledOptions)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "options.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Set, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, logging.NewNop(), func(s Set) { got <- s }) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"Shotgrid View": ["Playlist and Cuts", "Shot and Sequence*"]}`), 0o644))

	select {
	case s := <-got:
		assert.Equal(t, "Shot and Sequence", s.Defaults["Shotgrid View"])
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
	cancel()
	assert.NoError(t, <-done)
}
