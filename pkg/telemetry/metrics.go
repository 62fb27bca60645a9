package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for labforge. A Metrics built with
// metrics disabled, or a nil *Metrics, accepts every Record call as a no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec

	// External process metrics
	processInvocations *prometheus.CounterVec
	processDuration    *prometheus.HistogramVec

	// Archive metrics
	archiveOperations *prometheus.CounterVec

	// Policy metrics
	policyDenials prometheus.Counter

	// System metrics
	activePipelines prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_started_total",
				Help:      "Total number of pipeline runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_completed_total",
				Help:      "Total number of pipeline runs completed",
			},
			[]string{"operation", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "stage", "status"},
		),
		// External process metrics
		processInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_invocations_total",
				Help:      "Total number of external engine invocations",
			},
			[]string{"binary", "outcome"},
		),
		processDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "process_duration_seconds",
				Help:      "Duration of external engine invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"binary"},
		),
		// Archive metrics
		archiveOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archive_operations_total",
				Help:      "Total number of snapshot, restore, export and import operations",
			},
			[]string{"operation", "status"},
		),
		// Policy metrics
		policyDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of labs denied by admission policies",
			},
		),
		// System metrics
		activePipelines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_pipelines",
				Help:      "Current number of in-flight pipeline runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stageDuration,
		m.processInvocations,
		m.processDuration,
		m.archiveOperations,
		m.policyDenials,
		m.activePipelines,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordPipelineStarted counts a started run and raises the active gauge.
func (m *Metrics) RecordPipelineStarted() {
	if !m.enabled() {
		return
	}
	m.runsStarted.Inc()
	m.activePipelines.Inc()
}

// RecordPipelineCompleted records a finished run and lowers the active gauge.
func (m *Metrics) RecordPipelineCompleted(operation, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(operation, status).Inc()
	m.runDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	m.activePipelines.Dec()
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(operation, stage, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stageDuration.WithLabelValues(operation, stage, status).Observe(duration.Seconds())
}

// RecordProcess records one external engine invocation.
func (m *Metrics) RecordProcess(binary, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.processInvocations.WithLabelValues(binary, outcome).Inc()
	m.processDuration.WithLabelValues(binary).Observe(duration.Seconds())
}

// RecordArchiveOperation counts a snapshot, restore, export, import or prune.
func (m *Metrics) RecordArchiveOperation(operation, status string) {
	if !m.enabled() {
		return
	}
	m.archiveOperations.WithLabelValues(operation, status).Inc()
}

// RecordPolicyDenial counts a lab rejected by admission policies.
func (m *Metrics) RecordPolicyDenial() {
	if !m.enabled() {
		return
	}
	m.policyDenials.Inc()
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
		<-ctx.Done()
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
