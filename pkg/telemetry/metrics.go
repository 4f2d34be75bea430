package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowgraph/pkg/engine"
	"github.com/openfroyo/flowgraph/pkg/workflow"
)

// Metrics provides Prometheus metrics for workflow runs. A Metrics built
// from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	nodesCompleted *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
	cacheHits      *prometheus.CounterVec

	errors *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
			[]string{"workflow"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of workflow runs completed",
			},
			[]string{"workflow", "state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"workflow", "state"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of running workflows",
			},
		),

		nodesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_completed_total",
				Help:      "Total number of nodes reaching a terminal state",
			},
			[]string{"kind", "state"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of node executions in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of nodes served from the output cache",
			},
			[]string{"kind"},
		),

		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of workflow errors by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.nodesCompleted,
		m.nodeDuration,
		m.cacheHits,
		m.errors,
	)
	return m, nil
}

// Registry returns the registry holding the collectors, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted(workflowName string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(workflowName).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a terminal run state and its duration.
func (m *Metrics) RecordRunCompleted(workflowName string, state engine.State, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(workflowName, string(state)).Inc()
	m.runDuration.WithLabelValues(workflowName, string(state)).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordNodeCompleted records a node reaching a terminal state.
func (m *Metrics) RecordNodeCompleted(node engine.NodeSnapshot) {
	if m.nodesCompleted == nil {
		return
	}
	kind := string(node.Kind)
	m.nodesCompleted.WithLabelValues(kind, string(node.State)).Inc()
	if node.CacheHit {
		m.cacheHits.WithLabelValues(kind).Inc()
	}
	if d := node.Duration(); d > 0 {
		m.nodeDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// RecordErrors counts errors by kind.
func (m *Metrics) RecordErrors(errs []workflow.Error) {
	if m.errors == nil {
		return
	}
	for _, err := range errs {
		m.errors.WithLabelValues(string(err.Kind)).Inc()
	}
}

// Timer measures an operation's duration.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on the configured address until ctx is
// done. It returns the bound address, which differs from the configured
// one when the port is 0.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger zerolog.Logger) (string, error) {
	if !m.config.Enabled {
		return "", nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return "", err
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return ln.Addr().String(), nil
}

// MetricsListener feeds Metrics from executor notifications. It implements
// engine.Listener.
type MetricsListener struct {
	engine.NopListener
	metrics *Metrics
}

var _ engine.Listener = (*MetricsListener)(nil)

// NewMetricsListener creates a listener recording into m.
func NewMetricsListener(m *Metrics) *MetricsListener {
	return &MetricsListener{metrics: m}
}

func (l *MetricsListener) WorkflowStateChanged(run engine.RunInfo, state engine.State, errs []workflow.Error) {
	switch {
	case state == engine.StateRunning:
		l.metrics.RecordRunStarted(run.WorkflowName)
	case state.IsTerminal():
		l.metrics.RecordRunCompleted(run.WorkflowName, state, time.Since(run.StartedAt))
		l.metrics.RecordErrors(errs)
	}
}

func (l *MetricsListener) NodeStateChanged(_ engine.RunInfo, node engine.NodeSnapshot) {
	if node.State.IsTerminal() {
		l.metrics.RecordNodeCompleted(node)
	}
}
