package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
)

// SecurityHeadersMiddleware sets the response headers of a JSON-only API
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

// RateLimitConfig bounds requests per client within a fixed window
type RateLimitConfig struct {
	Requests  int
	Window    time.Duration
	KeyPrefix string
	// Redis shares counters between replicas. Without it counters are
	// kept in process.
	Redis *redis.Client
}

// RateLimiter is a fixed-window request limiter keyed by client IP
type RateLimiter struct {
	config RateLimitConfig
	logger *logging.Logger

	mu    sync.Mutex
	local map[string]*windowCount
	now   func() time.Time
}

type windowCount struct {
	start time.Time
	count int
}

// NewRateLimiter creates a new request rate limiter
func NewRateLimiter(config RateLimitConfig, logger *logging.Logger) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ratelimit:"
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RateLimiter{
		config: config,
		logger: logger,
		local:  make(map[string]*windowCount),
		now:    time.Now,
	}
}

// Middleware rejects requests over the limit with 429
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.config.Requests <= 0 {
			c.Next()
			return
		}

		key := fmt.Sprintf("%s%s %s:%s", rl.config.KeyPrefix, c.Request.Method, c.FullPath(), c.ClientIP())
		allowed, remaining, reset := rl.allow(c.Request.Context(), key)

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.config.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !allowed {
			retryAfter := int(reset.Sub(rl.now()).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			appErr := errors.NewRateLimitError("too many requests, retry later").
				WithDetail("retry_after", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    appErr.Code,
					"message": appErr.Message,
					"details": appErr.Details,
				},
			})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, int, time.Time) {
	now := rl.now()
	windowStart := now.Truncate(rl.config.Window)
	reset := windowStart.Add(rl.config.Window)

	var count int64
	var err error
	if rl.config.Redis != nil {
		count, err = rl.incrRedis(ctx, fmt.Sprintf("%s:%d", key, windowStart.Unix()), reset)
		if err != nil {
			rl.logger.WithContext(ctx).WithFields(logrus.Fields{
				"component": "rate_limiter",
				"error":     err.Error(),
			}).Warn("Shared rate limit unavailable, using local counters")
		}
	}
	if rl.config.Redis == nil || err != nil {
		count = rl.incrLocal(key, windowStart)
	}

	remaining := rl.config.Requests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return int(count) <= rl.config.Requests, remaining, reset
}

func (rl *RateLimiter) incrRedis(ctx context.Context, key string, reset time.Time) (int64, error) {
	pipe := rl.config.Redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, reset)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (rl *RateLimiter) incrLocal(key string, windowStart time.Time) int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.local[key]
	if !ok || !w.start.Equal(windowStart) {
		// drop counters of finished windows
		for k, old := range rl.local {
			if old.start.Before(windowStart) {
				delete(rl.local, k)
			}
		}
		w = &windowCount{start: windowStart}
		rl.local[key] = w
	}
	w.count++
	return int64(w.count)
}
