package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.ObserveFetch(nil, time.Second)
	m.ObserveFetch(errors.New("down"), time.Second)
	m.ObserveSync(3, 1)
	m.Conflict("VersionLink")
	m.PublishGroup("accepted")
	m.LockBusy()
	m.SetPending(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.Contains(t, out, `ntloader_fetch_total{result="error"} 1`)
	assert.Contains(t, out, `ntloader_sync_changed_total 3`)
	assert.Contains(t, out, `ntloader_conflicts_ignored_total{kind="VersionLink"} 1`)
	assert.Contains(t, out, `ntloader_publish_groups_total{status="accepted"} 1`)
	assert.Contains(t, out, `ntloader_pending_edits 4`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFetch(nil, 0)
		m.ObserveSync(1, 1)
		m.Conflict("x")
		m.PublishGroup("x")
		m.LockBusy()
		m.SetPending(1)
		m.SetValidityIssues(1)
	})
}
