package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware allows the given origins. An entry of "*" allows any
// origin and "*.example.org" allows its subdomains.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-Correlation-ID", "X-Request-ID"},
		ExposeHeaders: []string{"X-Correlation-ID", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}

	switch {
	case len(origins) == 0 || contains(origins, "*"):
		config.AllowOrigins = nil
		config.AllowAllOrigins = true
	case containsWildcard(origins):
		config.AllowOrigins = nil
		config.AllowOriginFunc = func(origin string) bool {
			return isOriginAllowed(origin, origins)
		}
	}

	return cors.New(config)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.Contains(origin, "*") {
			return true
		}
	}
	return false
}

func isOriginAllowed(origin string, allowed []string) bool {
	for _, pattern := range allowed {
		if pattern == origin {
			return true
		}
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:]
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}
