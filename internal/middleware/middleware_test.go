package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
)

func testLogger(t *testing.T) (*logging.Logger, *bytes.Buffer) {
	t.Helper()
	logger, err := logging.NewLogger(&logging.Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestLoggingMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, buf := testLogger(t)

	router := gin.New()
	router.Use(LoggingMiddleware(logger))
	router.GET("/ping", func(c *gin.Context) {
		assert.Equal(t, "corr-123", logging.GetCorrelationID(c.Request.Context()))
		id, _ := c.Get("request_id")
		assert.NotEmpty(t, id)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "corr-123", w.Header().Get("X-Correlation-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Contains(t, buf.String(), "corr-123")
}

func TestLoggingMiddleware_ReplacesUnsafeIDs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, _ := testLogger(t)

	router := gin.New()
	router.Use(LoggingMiddleware(logger))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Correlation-ID", "bad id\nwith newline")
	req.Header.Set("X-Request-ID", "req-1.2:3_x")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.NotEqual(t, "bad id\nwith newline", w.Header().Get("X-Correlation-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "req-1.2:3_x", w.Header().Get("X-Request-ID"))
}

func TestValidID(t *testing.T) {
	assert.True(t, validID("0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.False(t, validID(""))
	assert.False(t, validID("has space"))
	assert.False(t, validID(string(bytes.Repeat([]byte("a"), maxIDLength+1))))
}

func TestLoggingMiddleware_QuietProbes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, buf := testLogger(t)

	router := gin.New()
	router.Use(LoggingMiddleware(logger))
	router.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/health/ready", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Empty(t, buf.String())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Contains(t, buf.String(), "/health/ready")
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, buf := testLogger(t)

	router := gin.New()
	router.Use(LoggingMiddleware(logger), RecoveryMiddleware(logger))
	router.GET("/boom", func(c *gin.Context) {
		panic("kaboom")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "correlation_id")
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.Contains(t, buf.String(), "kaboom")
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name    string
		origins []string
		origin  string
		allowed bool
	}{
		{name: "any origin", origins: nil, origin: "https://anywhere.test", allowed: true},
		{name: "exact match", origins: []string{"https://portal.example.org"}, origin: "https://portal.example.org", allowed: true},
		{name: "subdomain wildcard", origins: []string{"*.example.org"}, origin: "https://app.example.org", allowed: true},
		{name: "rejected", origins: []string{"*.example.org"}, origin: "https://evil.test", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.Use(CORSMiddleware(tt.origins))
			router.GET("/genes", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/genes", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if tt.allowed {
				assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(SecurityHeadersMiddleware())
	router.GET("/genes", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/genes", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func rateLimitedRouter(limiter *RateLimiter) *gin.Engine {
	router := gin.New()
	router.POST("/runs", limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	router.GET("/runs", limiter.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func TestRateLimiter_LocalWindow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, _ := testLogger(t)

	limiter := NewRateLimiter(RateLimitConfig{Requests: 2, Window: time.Minute}, logger)
	now := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	router := rateLimitedRouter(limiter)

	post := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs", nil))
		return w
	}

	assert.Equal(t, http.StatusAccepted, post().Code)
	w := post()
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = post()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.Equal(t, "51", w.Header().Get("Retry-After"))

	// routes are counted separately
	get := httptest.NewRecorder()
	router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusOK, get.Code)

	now = now.Add(time.Minute)
	assert.Equal(t, http.StatusAccepted, post().Code)
}

func TestRateLimiter_Disabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := rateLimitedRouter(NewRateLimiter(RateLimitConfig{}, nil))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runs", nil))
		assert.Equal(t, http.StatusAccepted, w.Code)
	}
}

func TestRateLimiter_FallsBackWhenRedisIsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger, buf := testLogger(t)

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	limiter := NewRateLimiter(RateLimitConfig{Requests: 1, Window: time.Minute, Redis: client}, logger)
	router := rateLimitedRouter(limiter)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/runs", nil))
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/runs", nil))

	assert.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, buf.String(), "using local counters")
}
