package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the validation pipeline.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Work item metrics
	itemsRegistered prometheus.Counter
	itemsCompleted  *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec

	// Generation metrics
	generationCalls  *prometheus.CounterVec
	generationTokens prometheus.Counter
	rateLimitEvents  prometheus.Counter
	probeCacheHits   prometheus.Counter

	// Validation task metrics
	tasksExecuted *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	// Backend container metrics
	backendStarts  *prometheus.CounterVec
	activeBackends prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of validation runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of validation runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of validation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		itemsRegistered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_registered_total",
				Help:      "Total number of work items registered",
			},
		),
		itemsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_completed_total",
				Help:      "Total number of work items reaching a terminal state",
			},
			[]string{"state"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),

		generationCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_calls_total",
				Help:      "Total number of probe generation calls",
			},
			[]string{"outcome"},
		),
		generationTokens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_tokens_total",
				Help:      "Total generation budget units spent",
			},
		),
		rateLimitEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_events_total",
				Help:      "Total number of rate limit events during generation",
			},
		),
		probeCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_cache_hits_total",
				Help:      "Total number of probes served from the cache",
			},
		),

		tasksExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_executed_total",
				Help:      "Total number of validation tasks executed",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of validation tasks in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		backendStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_starts_total",
				Help:      "Total number of backend container starts",
			},
			[]string{"status"},
		),
		activeBackends: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_backends",
				Help:      "Current number of running backend containers",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.itemsRegistered,
		m.itemsCompleted,
		m.stageDuration,
		m.generationCalls,
		m.generationTokens,
		m.rateLimitEvents,
		m.probeCacheHits,
		m.tasksExecuted,
		m.taskDuration,
		m.backendStarts,
		m.activeBackends,
		m.errorsByClass,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Work Item Metrics

// RecordItemRegistered counts a newly registered work item.
func (m *Metrics) RecordItemRegistered() {
	if m.itemsRegistered == nil {
		return
	}
	m.itemsRegistered.Inc()
}

// RecordItemCompleted counts a work item reaching a terminal state.
func (m *Metrics) RecordItemCompleted(state string) {
	if m.itemsCompleted == nil {
		return
	}
	m.itemsCompleted.WithLabelValues(state).Inc()
}

// RecordStage records how long a pipeline stage took.
func (m *Metrics) RecordStage(stage string, duration time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// Generation Metrics

// RecordGenerationCall counts one probe generation attempt by outcome
// (success, rate_limited, transient, permanent, timeout).
func (m *Metrics) RecordGenerationCall(outcome string) {
	if m.generationCalls == nil {
		return
	}
	m.generationCalls.WithLabelValues(outcome).Inc()
}

// RecordGenerationSpend charges generation budget units.
func (m *Metrics) RecordGenerationSpend(units int64) {
	if m.generationTokens == nil {
		return
	}
	m.generationTokens.Add(float64(units))
}

// RecordRateLimitEvent counts one rate limit event.
func (m *Metrics) RecordRateLimitEvent() {
	if m.rateLimitEvents == nil {
		return
	}
	m.rateLimitEvents.Inc()
}

// RecordProbeCacheHit counts one probe served from the cache.
func (m *Metrics) RecordProbeCacheHit() {
	if m.probeCacheHits == nil {
		return
	}
	m.probeCacheHits.Inc()
}

// Validation Task Metrics

// RecordTask records one validation task with its final status and duration.
func (m *Metrics) RecordTask(status string, duration time.Duration) {
	if m.tasksExecuted == nil {
		return
	}
	m.tasksExecuted.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// Backend Metrics

// RecordBackendStart counts one container start attempt by status
// (started, failed).
func (m *Metrics) RecordBackendStart(status string) {
	if m.backendStarts == nil {
		return
	}
	m.backendStarts.WithLabelValues(status).Inc()
	if status == "started" {
		m.activeBackends.Inc()
	}
}

// RecordBackendStop counts one container teardown.
func (m *Metrics) RecordBackendStop() {
	if m.activeBackends == nil {
		return
	}
	m.activeBackends.Dec()
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
