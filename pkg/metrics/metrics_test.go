package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(&Config{
		Namespace: "test",
		Enabled:   true,
		Registry:  prometheus.NewRegistry(),
	})
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m := NewMetrics(&Config{Enabled: false})

	assert.NotPanics(t, func() {
		m.RecordSourceRequest("ensembl", "200", time.Second)
		m.RecordRetry("ensembl")
		m.RecordChunk("ensembl", "failed")
		m.RecordAnnotations("ensembl", "updated", 3)
		m.RecordPipelineRun("full", "completed", time.Minute)
		m.RunStarted()
		m.RecordCacheLookup(true)
	})

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordRetry("uniprot")
	})
}

func TestSourceMetrics(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSourceRequest("ensembl", "503", 20*time.Millisecond)
	m.RecordSourceRequest("ensembl", "200", 20*time.Millisecond)
	m.RecordRetry("ensembl")
	m.RecordChunk("ensembl", "succeeded")
	m.RecordChunk("ensembl", "failed")
	m.RecordAnnotations("ensembl", "updated", 5)
	m.RecordAnnotations("ensembl", "skipped", 0)
	m.RecordCircuitTransition("ensembl", "CLOSED", "OPEN", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRequestsTotal.WithLabelValues("ensembl", "503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceRetriesTotal.WithLabelValues("ensembl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksTotal.WithLabelValues("ensembl", "failed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.AnnotationsTotal.WithLabelValues("ensembl", "updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("ensembl")))
}

func TestPrometheusMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestMetrics(t)

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ping", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
}

func TestMetricsCollectorRunsProbes(t *testing.T) {
	m := newTestMetrics(t)

	calls := make(chan struct{}, 1)
	collector := NewMetricsCollector(m, time.Hour, func(m *Metrics) {
		m.UpdateDatabaseConnections(4, 2, 2)
		select {
		case calls <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go collector.Start(ctx)
	<-calls
	collector.Stop()

	assert.Equal(t, 4.0, testutil.ToFloat64(m.DatabaseConnections.WithLabelValues("open")))
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(&Config{Enabled: false})

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, "pong", w.Body.String())
}

func TestUpdateDatabaseConnections(t *testing.T) {
	m := newTestMetrics(t)
	m.UpdateDatabaseConnections(10, 3, 7)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.DatabaseConnections.WithLabelValues("idle")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DatabaseConnections.WithLabelValues("in_use")))
}
