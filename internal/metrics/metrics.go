// Package metrics exposes the server's Prometheus instrumentation. All
// methods are nil-safe so wiring stays optional in tests.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	verrors "github.com/tkratochvila/VerifyServer/internal/errors"
)

// Metrics bundles every collector the server updates.
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	requestResults  *prometheus.CounterVec

	runningTasks     prometheus.Gauge
	activeWorkspaces prometheus.Gauge

	workspacesCreated   prometheus.Counter
	workspacesDestroyed prometheus.Counter
	filesAdded          *prometheus.CounterVec

	verificationsStarted  prometheus.Counter
	verificationsFinished prometheus.Counter
	verificationsKilled   prometheus.Counter

	errorsTotal *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics set, registering it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "verifyserver",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of request handling per request type.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"type"},
		),
		requestResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "verifyserver",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Requests partitioned by type and response status.",
			},
			[]string{"type", "status"},
		),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "verifyserver",
			Subsystem: "tasks",
			Name:      "running",
			Help:      "Verification processes currently executing.",
		}),
		activeWorkspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "verifyserver",
			Subsystem: "workspaces",
			Name:      "active",
			Help:      "Workspaces currently alive.",
		}),
		workspacesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verifyserver",
			Subsystem: "workspaces",
			Name:      "created_total",
			Help:      "Workspaces created since start.",
		}),
		workspacesDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verifyserver",
			Subsystem: "workspaces",
			Name:      "destroyed_total",
			Help:      "Workspaces destroyed on request since start.",
		}),
		filesAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "verifyserver",
				Subsystem: "archive",
				Name:      "files_added_total",
				Help:      "File uploads partitioned by archive outcome.",
			},
			[]string{"outcome"},
		),
		verificationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verifyserver",
			Subsystem: "tasks",
			Name:      "started_total",
			Help:      "Verification processes spawned since start.",
		}),
		verificationsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verifyserver",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Verification processes finalised since start.",
		}),
		verificationsKilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "verifyserver",
			Subsystem: "tasks",
			Name:      "killed_total",
			Help:      "Verification processes killed on request or timeout.",
		}),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "verifyserver",
				Name:      "errors_total",
				Help:      "Operation failures grouped by error kind.",
			},
			[]string{"kind"},
		),
	}

	prometheus.MustRegister(
		m.requestDuration,
		m.requestResults,
		m.runningTasks,
		m.activeWorkspaces,
		m.workspacesCreated,
		m.workspacesDestroyed,
		m.filesAdded,
		m.verificationsStarted,
		m.verificationsFinished,
		m.verificationsKilled,
		m.errorsTotal,
	)
	return m
}

// ObserveRequest records one dispatched request.
func (m *Metrics) ObserveRequest(reqType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(reqType).Observe(elapsed.Seconds())
	m.requestResults.WithLabelValues(reqType, status).Inc()
}

// SetRunningTasks mirrors the execution window size.
func (m *Metrics) SetRunningTasks(n int) {
	if m == nil {
		return
	}
	m.runningTasks.Set(float64(n))
}

// SetActiveWorkspaces mirrors the workspace manager size.
func (m *Metrics) SetActiveWorkspaces(n int) {
	if m == nil {
		return
	}
	m.activeWorkspaces.Set(float64(n))
}

// IncWorkspaceCreated counts a successful workspace creation.
func (m *Metrics) IncWorkspaceCreated() {
	if m == nil {
		return
	}
	m.workspacesCreated.Inc()
}

// IncWorkspaceDestroyed counts an explicit workspace destruction.
func (m *Metrics) IncWorkspaceDestroyed() {
	if m == nil {
		return
	}
	m.workspacesDestroyed.Inc()
}

// IncFileAdded counts an upload; outcome distinguishes new content from
// deduplicated re-uploads.
func (m *Metrics) IncFileAdded(isNew bool) {
	if m == nil {
		return
	}
	outcome := "duplicate"
	if isNew {
		outcome = "new"
	}
	m.filesAdded.WithLabelValues(outcome).Inc()
}

// IncVerificationStarted counts a spawned verification process.
func (m *Metrics) IncVerificationStarted() {
	if m == nil {
		return
	}
	m.verificationsStarted.Inc()
}

// IncVerificationFinished counts a finalised verification.
func (m *Metrics) IncVerificationFinished() {
	if m == nil {
		return
	}
	m.verificationsFinished.Inc()
}

// IncVerificationKilled counts a kill request that found its process.
func (m *Metrics) IncVerificationKilled() {
	if m == nil {
		return
	}
	m.verificationsKilled.Inc()
}

// IncError counts a failed operation by error kind.
func (m *Metrics) IncError(err error) {
	if m == nil || err == nil {
		return
	}
	m.errorsTotal.WithLabelValues(string(verrors.KindOf(err))).Inc()
}
