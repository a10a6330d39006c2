package logging

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
)

// Logger wraps logrus with service identity and pipeline-aware helpers
type Logger struct {
	*logrus.Logger
	serviceName string
	version     string
}

// Config selects level, encoding and destination
type Config struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	Output      string `json:"output"`
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
}

// ContextKey namespaces the values this package stores in a context
type ContextKey string

const (
	CorrelationIDKey ContextKey = "correlation_id"
	RequestIDKey     ContextKey = "request_id"
	RunIDKey         ContextKey = "run_id"
	TraceIDKey       ContextKey = "trace_id"
)

// contextKeys are copied onto every context-aware entry, in this order
var contextKeys = []ContextKey{CorrelationIDKey, RequestIDKey, RunIDKey, TraceIDKey}

// warnEvents are source and pipeline events that signal degraded upstreams
// or runs; everything else is informational
var warnEvents = map[string]bool{
	"retry":                 true,
	"circuit_state_changed": true,
	"record_invalid":        true,
	"source_skipped":        true,
	"chunk_failed":          true,
}

func defaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "annotation-enrichment",
		Version:     "unknown",
	}
}

// NewLogger builds a logrus logger from config; nil means DefaultConfig
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = defaultConfig()
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	formatter, err := newFormatter(config.Format)
	if err != nil {
		return nil, err
	}

	output, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(formatter)
	logger.SetOutput(output)
	logger.SetReportCaller(level >= logrus.DebugLevel)

	return &Logger{
		Logger:      logger,
		serviceName: config.ServiceName,
		version:     config.Version,
	}, nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "json", "":
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
				logrus.FieldKeyFunc: "function",
			},
		}, nil
	case "text":
		return &logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

func openOutput(output string) (io.Writer, error) {
	switch strings.ToLower(output) {
	case "stdout", "":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

func (l *Logger) base() logrus.Fields {
	return logrus.Fields{
		"service": l.serviceName,
		"version": l.version,
	}
}

// WithContext returns an entry carrying the IDs stored in ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	fields := l.base()
	for _, key := range contextKeys {
		if value := ctx.Value(key); value != nil {
			fields[string(key)] = value
		}
	}
	return l.Logger.WithContext(ctx).WithFields(fields)
}

// WithFields adds fields on top of the service fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	merged := l.base()
	for k, v := range fields {
		merged[k] = v
	}
	return l.Logger.WithFields(merged)
}

// WithError creates an entry describing err
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.WithFields(errorFields(err))
}

// WithComponent tags entries with the emitting component
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.WithFields(logrus.Fields{"component": component})
}

// LogRequest writes the access log line of one HTTP request
func (l *Logger) LogRequest(ctx context.Context, method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_method":      method,
		"http_path":        path,
		"http_status":      statusCode,
		"user_agent":       userAgent,
		"client_ip":        clientIP,
		"response_time_ms": duration.Milliseconds(),
	})
	if statusCode >= 500 {
		entry.Warn("HTTP request processed")
		return
	}
	entry.Info("HTTP request processed")
}

// LogSourceEvent logs an annotation source event such as a retry, a
// breaker transition or a finished batch
func (l *Logger) LogSourceEvent(ctx context.Context, event, sourceName string, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(fields).WithFields(logrus.Fields{
		"event":  event,
		"source": sourceName,
	})
	logEvent(entry, event, "Source event")
}

// LogPipelineEvent logs pipeline run events
func (l *Logger) LogPipelineEvent(ctx context.Context, event, runID string, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(fields).WithFields(logrus.Fields{
		"event":  event,
		"run_id": runID,
	})
	logEvent(entry, event, "Pipeline event")
}

func logEvent(entry *logrus.Entry, event, message string) {
	if warnEvents[event] {
		entry.Warn(message)
		return
	}
	entry.Info(message)
}

// LogError logs err with the request context. A stack trace is attached at
// debug level.
func (l *Logger) LogError(ctx context.Context, err error, message string, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(errorFields(err)).WithFields(fields)
	if l.Logger.IsLevelEnabled(logrus.DebugLevel) {
		entry = entry.WithField("stack_trace", stackTrace())
	}
	entry.Error(message)
}

func errorFields(err error) logrus.Fields {
	if err == nil {
		return logrus.Fields{}
	}
	fields := logrus.Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		fields["error_code"] = appErr.Code
		fields["error_kind"] = string(appErr.Type)
	}
	return fields
}

func stackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

func NewCorrelationID() string {
	return uuid.New().String()
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithRunID adds a pipeline run ID to context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetCorrelationID returns the correlation ID stored in ctx, or ""
func GetCorrelationID(ctx context.Context) string {
	return stringValue(ctx, CorrelationIDKey)
}

// GetRunID retrieves the pipeline run ID from context
func GetRunID(ctx context.Context) string {
	return stringValue(ctx, RunIDKey)
}

func stringValue(ctx context.Context, key ContextKey) string {
	id, _ := ctx.Value(key).(string)
	return id
}

func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

func (l *Logger) SetLevel(level logrus.Level) {
	l.Logger.SetLevel(level)
}

var globalLogger atomic.Pointer[Logger]

func init() {
	logger, err := NewLogger(nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize global logger: %v", err))
	}
	globalLogger.Store(logger)
}

// GetLogger returns the process-wide logger
func GetLogger() *Logger {
	return globalLogger.Load()
}

// SetGlobalLogger replaces the global logger. A nil logger is ignored.
func SetGlobalLogger(logger *Logger) {
	if logger != nil {
		globalLogger.Store(logger)
	}
}

// Info logs msg with alternating key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.WithFields(pairs(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.WithFields(pairs(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.WithFields(pairs(keysAndValues)).Error(msg)
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.WithFields(pairs(keysAndValues)).Debug(msg)
}

// pairs turns alternating keys and values into fields; a trailing key
// without a value is dropped
func pairs(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
