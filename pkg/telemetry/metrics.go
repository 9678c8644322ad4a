package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/projup/projup/pkg/engine"
)

// Metrics provides Prometheus metrics for projup. It implements
// engine.Observer; a disabled instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	sessionCalls    *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	passes          *prometheus.CounterVec
	remaining       *prometheus.GaugeVec
	outcomes        *prometheus.CounterVec
	runsCompleted   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector on a private registry.
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

		sessionCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_calls_total",
				Help:      "Total number of automation session call attempts",
			},
			[]string{"op", "result"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_call_duration_seconds",
				Help:      "Duration of automation session call attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"op"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total number of retries, by cause",
			},
			[]string{"op", "cause"},
		),
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Total number of outer reconciliation passes",
			},
			[]string{"operation"},
		),
		remaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "remaining_items",
				Help:      "Items left unreconciled after the latest pass",
			},
			[]string{"operation"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "project_outcomes_total",
				Help:      "Total number of per-project outcomes",
			},
			[]string{"operation", "outcome"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"operation", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.sessionCalls,
		m.sessionDuration,
		m.retries,
		m.passes,
		m.remaining,
		m.outcomes,
		m.runsCompleted,
		m.runDuration,
	)
	return m, nil
}

// SessionCall records one attempt of a session call.
func (m *Metrics) SessionCall(op string, err error, elapsed time.Duration) {
	if m.sessionCalls == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case engine.IsBusy(err):
		result = "busy"
	default:
		result = "error"
	}
	m.sessionCalls.WithLabelValues(op, result).Inc()
	m.sessionDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Retry records a retry, caused either by a busy rejection or another error.
func (m *Metrics) Retry(op string, busy bool) {
	if m.retries == nil {
		return
	}
	cause := "error"
	if busy {
		cause = "busy"
	}
	m.retries.WithLabelValues(op, cause).Inc()
}

// Pass records the end of an outer pass.
func (m *Metrics) Pass(operation engine.Operation, _ int, remaining int) {
	if m.passes == nil {
		return
	}
	m.passes.WithLabelValues(string(operation)).Inc()
	m.remaining.WithLabelValues(string(operation)).Set(float64(remaining))
}

// Outcome records a per-project outcome.
func (m *Metrics) Outcome(operation engine.Operation, outcome engine.Outcome) {
	if m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(string(operation), string(outcome)).Inc()
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(run *engine.Run) {
	if m.runsCompleted == nil || run == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(run.Operation), string(run.Status)).Inc()
	m.runDuration.WithLabelValues(string(run.Operation)).Observe(run.Duration.Seconds())
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

// StartMetricsServer serves metrics until ctx is done. It returns
// immediately; listen errors are logged.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
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

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return nil
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
// It is a no-op when metrics are disabled or no path is configured.
func (m *Metrics) WriteTextfile() error {
	if m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.config.TextfilePath, m.registry)
}
