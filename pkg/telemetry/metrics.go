package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the reconciliation loop collectors. A nil or disabled
// *Metrics accepts every call and records nothing.
type Metrics struct {
	cfg      MetricsConfig
	registry *prometheus.Registry

	watchEvents    *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
	serviceWatches prometheus.Gauge

	queueLength prometheus.Gauge
	admissions  prometheus.Counter
	teardowns   *prometheus.CounterVec

	augmented      prometheus.Counter
	resolved       prometheus.Counter
	pipelineAborts *prometheus.CounterVec
	proxyPublishes *prometheus.CounterVec

	callDuration *prometheus.HistogramVec
	callErrors   *prometheus.CounterVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{cfg: cfg}, nil
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	ns := cfg.Namespace

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}

	return &Metrics{
		cfg:      cfg,
		registry: reg,

		watchEvents:    counter("watch_events_total", "Watch notifications routed to a handler.", "watch"),
		handlerErrors:  counter("handler_errors_total", "Handler passes that ended with an error.", "handler", "class"),
		serviceWatches: gauge("service_watches_active", "Live per-service watches."),

		queueLength: gauge("waiting_queue_length", "Users waiting for admission."),
		admissions:  counter("admissions_total", "Users admitted from the waiting queue.").WithLabelValues(),
		teardowns:   counter("teardowns_total", "User teardowns by reason.", "reason"),

		augmented:      counter("jobs_augmented_total", "Jobs resubmitted with their HMI task group.").WithLabelValues(),
		resolved:       counter("allocations_resolved_total", "Allocation records written.").WithLabelValues(),
		pipelineAborts: counter("pipeline_aborts_total", "Allocation pipelines stopped early, by step.", "step"),
		proxyPublishes: counter("proxy_publishes_total", "Proxy routing publishes by status.", "status"),

		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "collaborator_call_duration_seconds",
			Help:      "Latency of store, catalog and scheduler calls.",
			Buckets:   buckets,
		}, []string{"collaborator", "operation"}),
		callErrors: counter("collaborator_errors_total", "Failed store, catalog and scheduler calls.", "collaborator", "operation"),
	}, nil
}

func (m *Metrics) on() bool { return m != nil && m.registry != nil }

// Registry returns the registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordWatchEvent(watch string) {
	if m.on() {
		m.watchEvents.WithLabelValues(watch).Inc()
	}
}

func (m *Metrics) RecordHandlerError(handler, class string) {
	if m.on() {
		m.handlerErrors.WithLabelValues(handler, class).Inc()
	}
}

func (m *Metrics) SetServiceWatches(n int) {
	if m.on() {
		m.serviceWatches.Set(float64(n))
	}
}

func (m *Metrics) SetWaitingQueueLength(n int) {
	if m.on() {
		m.queueLength.Set(float64(n))
	}
}

func (m *Metrics) RecordAdmission() {
	if m.on() {
		m.admissions.Inc()
	}
}

// RecordTeardown counts a teardown step. reason is core_died or
// request_vanished.
func (m *Metrics) RecordTeardown(reason string) {
	if m.on() {
		m.teardowns.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RecordJobAugmented() {
	if m.on() {
		m.augmented.Inc()
	}
}

func (m *Metrics) RecordAllocationResolved() {
	if m.on() {
		m.resolved.Inc()
	}
}

func (m *Metrics) RecordPipelineAbort(step string) {
	if m.on() {
		m.pipelineAborts.WithLabelValues(step).Inc()
	}
}

// RecordProxyPublish counts a publish; status is ok or error.
func (m *Metrics) RecordProxyPublish(status string) {
	if m.on() {
		m.proxyPublishes.WithLabelValues(status).Inc()
	}
}

// ObserveCollaboratorCall records the latency of one collaborator call and
// whether it failed.
func (m *Metrics) ObserveCollaboratorCall(collaborator, operation string, d time.Duration, failed bool) {
	if !m.on() {
		return
	}
	m.callDuration.WithLabelValues(collaborator, operation).Observe(d.Seconds())
	if failed {
		m.callErrors.WithLabelValues(collaborator, operation).Inc()
	}
}

// Handler serves the registry in the OpenMetrics format.
func (m *Metrics) Handler() http.Handler {
	if !m.on() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves the registry on cfg.ListenAddress in the
// background. It does nothing when no dedicated address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.on() || m.cfg.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.cfg.Path, m.Handler())
	srv := &http.Server{
		Addr:              m.cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.cfg.ListenAddress).Msg("metrics server stopped")
		}
	}()
	return nil
}
