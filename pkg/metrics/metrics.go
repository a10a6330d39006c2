// Package metrics exposes the Prometheus instruments of the enrichment
// service. Every recorder is safe to call on a nil or disabled Metrics.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	SourceRequestsTotal       *prometheus.CounterVec
	SourceRequestDuration     *prometheus.HistogramVec
	SourceRetriesTotal        *prometheus.CounterVec
	RateLimiterWaitDuration   *prometheus.HistogramVec
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec
	ChunksTotal               *prometheus.CounterVec
	AnnotationsTotal          *prometheus.CounterVec

	PipelineRunsTotal   *prometheus.CounterVec
	PipelineRunDuration *prometheus.HistogramVec
	ActiveRuns          prometheus.Gauge

	DatabaseConnections    *prometheus.GaugeVec
	DatabaseQueryDuration  *prometheus.HistogramVec
	CacheOperationDuration *prometheus.HistogramVec
	CacheLookupsTotal      *prometheus.CounterVec

	ErrorsTotal *prometheus.CounterVec

	enabled  bool
	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
	// Registry defaults to the global Prometheus registry
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{Namespace: "annotation", Enabled: true}
}

var (
	upstreamBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	waitBuckets     = []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	runBuckets      = []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200}
	queryBuckets    = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
	cacheBuckets    = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}
)

// builder creates collectors under one namespace and remembers them for
// registration
type builder struct {
	namespace, subsystem string
	collectors           []prometheus.Collector
}

func (b *builder) counter(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: b.namespace, Subsystem: b.subsystem, Name: name, Help: help,
	}, labels)
	b.collectors = append(b.collectors, c)
	return c
}

func (b *builder) gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: b.namespace, Subsystem: b.subsystem, Name: name, Help: help,
	}, labels)
	b.collectors = append(b.collectors, g)
	return g
}

func (b *builder) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: b.namespace, Subsystem: b.subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
	b.collectors = append(b.collectors, h)
	return h
}

// NewMetrics creates and registers all Prometheus metrics. A disabled config
// yields a Metrics whose recorders do nothing.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return &Metrics{}
	}

	b := &builder{namespace: config.Namespace, subsystem: config.Subsystem}
	m := &Metrics{
		enabled: true,

		HTTPRequestsTotal:    b.counter("http_requests_total", "HTTP requests served", "method", "path", "status_code"),
		HTTPRequestDuration:  b.histogram("http_request_duration_seconds", "HTTP request latency", prometheus.DefBuckets, "method", "path", "status_code"),
		HTTPRequestsInFlight: b.gauge("http_requests_in_flight", "HTTP requests being served", "method", "path"),

		SourceRequestsTotal:       b.counter("source_requests_total", "Upstream HTTP attempts per source and response status", "source", "status"),
		SourceRequestDuration:     b.histogram("source_request_duration_seconds", "Upstream HTTP attempt latency", upstreamBuckets, "source"),
		SourceRetriesTotal:        b.counter("source_retries_total", "Retries performed against upstream sources", "source"),
		RateLimiterWaitDuration:   b.histogram("rate_limiter_wait_seconds", "Time spent waiting for a rate limiter slot", waitBuckets, "source"),
		CircuitBreakerState:       b.gauge("circuit_breaker_state", "Circuit breaker state per source (0 closed, 1 open, 2 half-open)", "source"),
		CircuitBreakerTransitions: b.counter("circuit_breaker_transitions_total", "Circuit breaker state transitions", "source", "from", "to"),
		ChunksTotal:               b.counter("batch_chunks_total", "Batch chunks dispatched per source and outcome", "source", "outcome"),
		AnnotationsTotal:          b.counter("annotations_total", "Gene annotations processed per source and outcome", "source", "outcome"),

		PipelineRunsTotal:   b.counter("pipeline_runs_total", "Pipeline runs per mode and final status", "mode", "status"),
		PipelineRunDuration: b.histogram("pipeline_run_duration_seconds", "Pipeline run duration", runBuckets, "mode"),

		DatabaseConnections:    b.gauge("database_connections", "Database pool connections by state", "state"),
		DatabaseQueryDuration:  b.histogram("database_query_duration_seconds", "Database query latency", queryBuckets, "operation", "table"),
		CacheOperationDuration: b.histogram("cache_operation_duration_seconds", "Redis call latency", cacheBuckets, "operation"),
		CacheLookupsTotal:      b.counter("cache_lookups_total", "Annotation cache lookups by result", "result"),

		ErrorsTotal: b.counter("errors_total", "Errors by component and type", "component", "error_type"),
	}
	m.ActiveRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: config.Subsystem,
		Name:      "pipeline_active_runs",
		Help:      "Pipeline runs currently executing",
	})
	b.collectors = append(b.collectors, m.ActiveRuns)

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	m.gatherer = prometheus.DefaultGatherer
	if config.Registry != nil {
		registerer, m.gatherer = config.Registry, config.Registry
	}
	registerer.MustRegister(b.collectors...)
	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordHTTPRequest records one served request
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if !m.on() {
		return
	}
	status := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordSourceRequest records one upstream attempt. status is the HTTP status
// code or a short failure label such as "timeout".
func (m *Metrics) RecordSourceRequest(source, status string, duration time.Duration) {
	if !m.on() {
		return
	}
	m.SourceRequestsTotal.WithLabelValues(source, status).Inc()
	m.SourceRequestDuration.WithLabelValues(source).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(source string) {
	if m.on() {
		m.SourceRetriesTotal.WithLabelValues(source).Inc()
	}
}

// RecordRateLimiterWait records the time spent waiting for a dispatch slot
func (m *Metrics) RecordRateLimiterWait(source string, wait time.Duration) {
	if m.on() {
		m.RateLimiterWaitDuration.WithLabelValues(source).Observe(wait.Seconds())
	}
}

// RecordCircuitTransition records a breaker state change. state follows the
// resilience.CircuitState numbering.
func (m *Metrics) RecordCircuitTransition(source, from, to string, state int) {
	if !m.on() {
		return
	}
	m.CircuitBreakerState.WithLabelValues(source).Set(float64(state))
	m.CircuitBreakerTransitions.WithLabelValues(source, from, to).Inc()
}

func (m *Metrics) RecordChunk(source, outcome string) {
	if m.on() {
		m.ChunksTotal.WithLabelValues(source, outcome).Inc()
	}
}

// RecordAnnotations adds count annotations with outcome. Non-positive counts
// are ignored.
func (m *Metrics) RecordAnnotations(source, outcome string, count int) {
	if m.on() && count > 0 {
		m.AnnotationsTotal.WithLabelValues(source, outcome).Add(float64(count))
	}
}

// RecordPipelineRun records a finished pipeline run
func (m *Metrics) RecordPipelineRun(mode, status string, duration time.Duration) {
	if !m.on() {
		return
	}
	m.PipelineRunsTotal.WithLabelValues(mode, status).Inc()
	m.PipelineRunDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Metrics) RunStarted() {
	if m.on() {
		m.ActiveRuns.Inc()
	}
}

func (m *Metrics) RunFinished() {
	if m.on() {
		m.ActiveRuns.Dec()
	}
}

// UpdateDatabaseConnections sets the pool gauges
func (m *Metrics) UpdateDatabaseConnections(open, idle, inUse int) {
	if !m.on() {
		return
	}
	for state, n := range map[string]int{"open": open, "idle": idle, "in_use": inUse} {
		m.DatabaseConnections.WithLabelValues(state).Set(float64(n))
	}
}

func (m *Metrics) RecordDatabaseQuery(operation, table string, duration time.Duration) {
	if m.on() {
		m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordCacheOperation(operation string, duration time.Duration) {
	if m.on() {
		m.CacheOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// RecordCacheLookup counts an annotation cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if !m.on() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordError(component, errorType string) {
	if m.on() {
		m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
	}
}

// PrometheusMiddleware records request counts, latency and in-flight requests
// per matched route
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.on() {
			c.Next()
			return
		}
		route := c.FullPath()
		inFlight := m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, route)
		inFlight.Inc()
		defer inFlight.Dec()

		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// Handler serves the registry the metrics were registered with
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Probe refreshes gauges from a live resource
type Probe func(m *Metrics)

// MetricsCollector runs probes on an interval
type MetricsCollector struct {
	metrics  *Metrics
	interval time.Duration
	probes   []Probe
	stopCh   chan struct{}
}

func NewMetricsCollector(metrics *Metrics, interval time.Duration, probes ...Probe) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		interval: interval,
		probes:   probes,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the probes once, then on every tick until ctx ends or Stop is
// called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	for {
		for _, probe := range mc.probes {
			probe(mc.metrics)
		}
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Stop ends collection. It must be called at most once.
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}
