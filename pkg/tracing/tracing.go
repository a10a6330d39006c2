package tracing

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
)

const instrumentation = "github.com/NikhilSetiya/annotation-enrichment"

var noopTracer = noop.NewTracerProvider().Tracer(instrumentation)

var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// Config holds tracing configuration
type Config struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Enabled        bool    `json:"enabled"`
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "annotation-enrichment",
		ServiceVersion: "dev",
		Environment:    "development",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SamplingRate:   1.0,
	}
}

// TracingService starts spans for the pipeline, the sources and the stores.
// A nil or disabled service hands out no-op spans.
type TracingService struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewNoopService returns a tracing service that records nothing
func NewNoopService() *TracingService {
	return &TracingService{tracer: noopTracer}
}

// NewTracingService exports spans to Jaeger when config enables tracing and
// returns a no-op service otherwise
func NewTracingService(config *Config) (*TracingService, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return NewNoopService(), nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}
	res := resource.NewSchemaless(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SamplingRate)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)
	return NewWithProvider(provider), nil
}

// NewWithProvider records spans through provider
func NewWithProvider(provider *sdktrace.TracerProvider) *TracingService {
	return &TracingService{tracer: provider.Tracer(instrumentation), provider: provider}
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Enabled reports whether spans are recorded
func (ts *TracingService) Enabled() bool {
	return ts != nil && ts.provider != nil
}

// Shutdown flushes pending spans
func (ts *TracingService) Shutdown(ctx context.Context) error {
	if !ts.Enabled() {
		return nil
	}
	return ts.provider.Shutdown(ctx)
}

// StartSpan starts a span named name
func (ts *TracingService) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ts == nil || ts.tracer == nil {
		return noopTracer.Start(ctx, name, opts...)
	}
	return ts.tracer.Start(ctx, name, opts...)
}

func (ts *TracingService) start(ctx context.Context, kind trace.SpanKind, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return ts.StartSpan(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartPipelineSpan starts the root span of a pipeline run
func (ts *TracingService) StartPipelineSpan(ctx context.Context, mode, runID string) (context.Context, trace.Span) {
	return ts.start(ctx, trace.SpanKindInternal, "pipeline."+mode,
		attribute.String("pipeline.mode", mode),
		attribute.String("pipeline.run_id", runID))
}

// StartSourceSpan starts a span for a source operation over genes
func (ts *TracingService) StartSourceSpan(ctx context.Context, sourceName, operation string, genes int) (context.Context, trace.Span) {
	return ts.start(ctx, trace.SpanKindInternal, "source."+sourceName+"."+operation,
		attribute.String("source.name", sourceName),
		attribute.String("source.operation", operation),
		attribute.Int("source.genes", genes))
}

// StartChunkSpan starts a span for one batch chunk
func (ts *TracingService) StartChunkSpan(ctx context.Context, sourceName string, index, size int) (context.Context, trace.Span) {
	return ts.start(ctx, trace.SpanKindInternal, "source."+sourceName+".chunk",
		attribute.String("source.name", sourceName),
		attribute.Int("chunk.index", index),
		attribute.Int("chunk.size", size))
}

// StartDatabaseSpan starts a client span for a PostgreSQL query
func (ts *TracingService) StartDatabaseSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return ts.start(ctx, trace.SpanKindClient, "db."+operation,
		semconv.DBSystemPostgreSQL,
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table))
}

// StartCacheSpan starts a client span for a Redis call
func (ts *TracingService) StartCacheSpan(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return ts.start(ctx, trace.SpanKindClient, "cache."+operation,
		semconv.DBSystemRedis,
		attribute.String("db.operation", operation),
		attribute.String("cache.key", key))
}

// RecordError marks span as failed with err
func (ts *TracingService) RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Traced runs fn inside a span named name
func (ts *TracingService) Traced(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := ts.StartSpan(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		ts.RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// TracingMiddleware continues the caller's trace, records a server span per
// request and puts the trace ID in the logging context
func (ts *TracingService) TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ts.Enabled() {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := ts.start(ctx, trace.SpanKindServer, c.Request.Method+" "+route,
			semconv.HTTPRequestMethodKey.String(c.Request.Method),
			semconv.HTTPRoute(route),
			semconv.UserAgentOriginal(c.Request.UserAgent()),
			semconv.ClientAddress(c.ClientIP()))
		defer span.End()

		c.Request = c.Request.WithContext(WithTraceContext(ctx))
		propagator.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		for _, ginErr := range c.Errors {
			span.RecordError(ginErr.Err)
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}

// InstrumentHTTPClient wraps the client transport so upstream calls get
// client spans and carry the trace context
func (ts *TracingService) InstrumentHTTPClient(client *http.Client) *http.Client {
	if !ts.Enabled() {
		return client
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = roundTripper(func(req *http.Request) (*http.Response, error) {
		ctx, span := ts.start(req.Context(), trace.SpanKindClient, "HTTP "+req.Method,
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.ServerAddress(req.URL.Hostname()),
			semconv.URLPath(req.URL.Path))
		defer span.End()

		req = req.Clone(ctx)
		propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := base.RoundTrip(req)
		if err != nil {
			ts.RecordError(span, err)
			return nil, err
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
		if resp.StatusCode >= http.StatusBadRequest {
			span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		}
		return resp, nil
	})
	return client
}

type roundTripper func(*http.Request) (*http.Response, error)

func (f roundTripper) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// GetTraceID returns the trace ID of the span in ctx, or ""
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// WithTraceContext copies the active trace ID into the logging context
func WithTraceContext(ctx context.Context) context.Context {
	if traceID := GetTraceID(ctx); traceID != "" {
		return logging.WithTraceID(ctx, traceID)
	}
	return ctx
}
