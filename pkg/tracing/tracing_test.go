package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
)

func TestNewTracingService_Disabled(t *testing.T) {
	svc, err := NewTracingService(&Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	ctx, span := svc.StartPipelineSpan(context.Background(), "full", "run-1")
	defer span.End()
	assert.NotNil(t, ctx)
	assert.Empty(t, GetTraceID(ctx))

	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestNilServiceYieldsNoopSpans(t *testing.T) {
	var svc *TracingService

	assert.NotPanics(t, func() {
		_, span := svc.StartChunkSpan(context.Background(), "ensembl", 0, 100)
		span.End()
	})
	assert.False(t, svc.Enabled())
	assert.NoError(t, svc.Shutdown(context.Background()))
}

func TestTraced(t *testing.T) {
	svc := NewNoopService()

	called := false
	err := svc.Traced(context.Background(), "work", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	boom := errors.New("boom")
	assert.ErrorIs(t, svc.Traced(context.Background(), "work", func(ctx context.Context) error {
		return boom
	}), boom)
}

func TestInstrumentHTTPClient_DisabledLeavesTransport(t *testing.T) {
	client := &http.Client{}
	assert.Same(t, client, NewNoopService().InstrumentHTTPClient(client))
	assert.Nil(t, client.Transport)
}

func TestWithTraceContext_NoSpan(t *testing.T) {
	ctx := WithTraceContext(context.Background())
	assert.Nil(t, ctx.Value(logging.TraceIDKey))
}

func TestTracingMiddleware_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewNoopService().TracingMiddleware())
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("traceparent"))
}

func recordingService(t *testing.T) (*TracingService, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewWithProvider(provider), exporter
}

func TestTracingMiddleware_RecordsServerSpan(t *testing.T) {
	svc, exporter := recordingService(t)
	require.True(t, svc.Enabled())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(svc.TracingMiddleware())
	router.GET("/api/v1/genes/:gene", func(c *gin.Context) {
		assert.NotNil(t, c.Request.Context().Value(logging.TraceIDKey))
		c.Status(http.StatusBadGateway)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/genes/BRCA2", nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /api/v1/genes/:gene", spans[0].Name)
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestInstrumentHTTPClient_PropagatesTrace(t *testing.T) {
	svc, exporter := recordingService(t)

	var traceparent string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	client := svc.InstrumentHTTPClient(&http.Client{})
	ctx, parent := svc.StartSourceSpan(context.Background(), "ensembl", "fetch_batch", 2)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream.URL+"/lookup/id", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	parent.End()

	assert.Contains(t, traceparent, GetTraceID(ctx))
	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "HTTP GET", spans[0].Name)
	assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(0).Description())
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
