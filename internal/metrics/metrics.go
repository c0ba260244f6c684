// Package metrics exposes engine counters in the Prometheus format.
// Every method is safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ntloader"

type Metrics struct {
	Registry *prometheus.Registry

	fetches        *prometheus.CounterVec
	fetchDuration  prometheus.Histogram
	syncs          prometheus.Counter
	syncChanged    prometheus.Counter
	conflicts      *prometheus.CounterVec
	dangling       prometheus.Gauge
	publishGroups  *prometheus.CounterVec
	lockBusy       prometheus.Counter
	pendingEdits   prometheus.Gauge
	validityIssues prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetch_total", Help: "Remote fetches by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "fetch_duration_seconds", Help: "Duration of remote fetches.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_total", Help: "Synchronization passes.",
		}),
		syncChanged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_changed_total", Help: "Working entities refreshed by synchronization.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "conflicts_ignored_total", Help: "Local values of remote-owned fields discarded.",
		}, []string{"kind"}),
		dangling: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dangling_entities", Help: "Working entities whose mirror target is missing.",
		}),
		publishGroups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_groups_total", Help: "Published edit groups by outcome.",
		}, []string{"status"}),
		lockBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "import_lock_busy_total", Help: "Import task acquisitions refused.",
		}),
		pendingEdits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_edits", Help: "Outgoing edits waiting for publish.",
		}),
		validityIssues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "validity_issues", Help: "Findings of the last validity check.",
		}),
	}
	m.Registry.MustRegister(m.fetches, m.fetchDuration, m.syncs, m.syncChanged, m.conflicts, m.dangling,
		m.publishGroups, m.lockBusy, m.pendingEdits, m.validityIssues)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFetch(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveSync(changed, dangling int) {
	if m == nil {
		return
	}
	m.syncs.Inc()
	m.syncChanged.Add(float64(changed))
	m.dangling.Set(float64(dangling))
}

func (m *Metrics) Conflict(kind string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(kind).Inc()
}

func (m *Metrics) PublishGroup(status string) {
	if m == nil {
		return
	}
	m.publishGroups.WithLabelValues(status).Inc()
}

func (m *Metrics) LockBusy() {
	if m == nil {
		return
	}
	m.lockBusy.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingEdits.Set(float64(n))
}

func (m *Metrics) SetValidityIssues(n int) {
	if m == nil {
		return
	}
	m.validityIssues.Set(float64(n))
}
