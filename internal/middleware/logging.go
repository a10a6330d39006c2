package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
)

const (
	correlationHeader = "X-Correlation-ID"
	requestHeader     = "X-Request-ID"
	maxIDLength       = 128
)

// quietPaths are probe and scrape endpoints that are only logged when they fail
var quietPaths = map[string]bool{
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

// LoggingMiddleware tags each request with correlation and request IDs and
// logs it once the handler chain completes
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := incomingID(c, correlationHeader)
		requestID := incomingID(c, requestHeader)

		ctx := logging.WithRequestID(logging.WithCorrelationID(c.Request.Context(), correlationID), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Set("request_id", requestID)
		c.Header(correlationHeader, correlationID)
		c.Header(requestHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		if quietPaths[c.Request.URL.Path] && status < http.StatusBadRequest {
			return
		}
		logger.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, c.Request.UserAgent(), c.ClientIP(), status, time.Since(start))
	}
}

// incomingID returns the caller supplied ID from header when it is safe to
// log, or a fresh one
func incomingID(c *gin.Context, header string) string {
	if id := c.GetHeader(header); validID(id) {
		return id
	}
	return logging.NewCorrelationID()
}

func validID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return false
		}
	}
	return true
}

// ErrorLoggingMiddleware logs errors handlers attached with c.Error
func ErrorLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		route := c.FullPath()
		for i, ginErr := range c.Errors {
			logger.LogError(c.Request.Context(), ginErr.Err, "Request processing error", logrus.Fields{
				"route":       route,
				"error_index": i,
				"meta":        ginErr.Meta,
			})
		}
	}
}

// RecoveryMiddleware turns handler panics into a 500 error envelope
func RecoveryMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		ctx := c.Request.Context()
		logger.LogError(ctx, fmt.Errorf("panic: %v", recovered), "Request panic recovered", logrus.Fields{
			"route": c.FullPath(),
			"path":  c.Request.URL.Path,
		})

		body := gin.H{
			"success": false,
			"error": gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "internal server error",
			},
			"correlation_id": logging.GetCorrelationID(ctx),
			"timestamp":      time.Now(),
		}
		if id, ok := c.Get("request_id"); ok {
			body["request_id"] = id
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, body)
	})
}
