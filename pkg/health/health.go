package health

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

var severity = map[Status]int{
	StatusHealthy:   0,
	StatusUnknown:   1,
	StatusDegraded:  2,
	StatusUnhealthy: 3,
}

func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Check is the result of one health probe
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker probes one dependency
type Checker interface {
	Check(ctx context.Context) *Check
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) *Check

// Check calls f
func (f CheckerFunc) Check(ctx context.Context) *Check { return f(ctx) }

// probeFunc reports a message and metadata for a reachable dependency, or an
// error. A non-empty status overrides healthy.
type probeFunc func(ctx context.Context) (Status, string, map[string]string, error)

// newProbe builds a Checker that times fn and maps an error to onError
func newProbe(name string, onError Status, fn probeFunc) Checker {
	return CheckerFunc(func(ctx context.Context) *Check {
		start := time.Now()
		status, message, metadata, err := fn(ctx)
		check := &Check{
			Name:      name,
			Status:    StatusHealthy,
			Message:   message,
			Metadata:  metadata,
			Timestamp: start,
			Duration:  time.Since(start),
		}
		if status != "" {
			check.Status = status
		}
		if err != nil {
			check.Error = err.Error()
			check.Status = worse(check.Status, onError)
		}
		return check
	})
}

type errString string

func (e errString) Error() string { return string(e) }

// Config holds health check configuration
type Config struct {
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// Service runs registered checkers and serves the health endpoints
type Service struct {
	logger   *logging.Logger
	metadata map[string]string
	timeout  time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
	last     Status
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Service{
		logger:   logger,
		metadata: config.Metadata,
		timeout:  config.Timeout,
		checkers: make(map[string]Checker),
		last:     StatusUnknown,
	}
}

// RegisterChecker registers a health checker under name
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker removes the checker registered under name
func (s *Service) UnregisterChecker(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs every checker concurrently, each bounded by the service
// timeout. The overall status is the worst individual status.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mu.RLock()
	names := make([]string, 0, len(s.checkers))
	checkers := make([]Checker, 0, len(s.checkers))
	for name, checker := range s.checkers {
		names = append(names, name)
		checkers = append(checkers, checker)
	}
	s.mu.RUnlock()

	results := make([]*Check, len(checkers))
	var wg sync.WaitGroup
	for i := range checkers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			results[i] = checkers[i].Check(checkCtx)
		}(i)
	}
	wg.Wait()

	resp := &HealthResponse{
		Status:   StatusHealthy,
		Checks:   make(map[string]*Check, len(results)),
		Metadata: s.metadata,
	}
	for i, check := range results {
		resp.Checks[names[i]] = check
		resp.Status = worse(resp.Status, check.Status)
	}
	resp.Timestamp = time.Now()
	resp.Duration = time.Since(start)

	s.recordTransition(resp)
	return resp
}

func (s *Service) recordTransition(resp *HealthResponse) {
	s.mu.Lock()
	previous := s.last
	s.last = resp.Status
	s.mu.Unlock()

	if previous == resp.Status {
		return
	}
	var failing []string
	for name, check := range resp.Checks {
		if check.Status != StatusHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	if resp.Status == StatusHealthy {
		s.logger.Info("Service health recovered", "previous", string(previous))
		return
	}
	s.logger.Warn("Service health changed", "status", string(resp.Status),
		"previous", string(previous), "checks", strings.Join(failing, ","))
}

func httpStatus(status Status) int {
	if status == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Handler serves the full health report
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := s.CheckHealth(c.Request.Context())
		c.JSON(httpStatus(report.Status), report)
	}
}

// LivenessHandler reports that the process is serving requests
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive", "timestamp": time.Now()})
	}
}

// ReadinessHandler reports whether dependencies allow serving traffic.
// Degraded dependencies still count as ready.
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report := s.CheckHealth(c.Request.Context())
		c.JSON(httpStatus(report.Status), gin.H{
			"status":    report.Status,
			"timestamp": report.Timestamp,
			"ready":     report.Status != StatusUnhealthy,
		})
	}
}

// DatabaseProbe is the part of the database handle the checker needs
type DatabaseProbe interface {
	Health(ctx context.Context) error
	Stats() sql.DBStats
}

// NewDatabaseChecker reports unhealthy when the database cannot be reached
// and degraded when more than 80% of the pool is in use
func NewDatabaseChecker(db DatabaseProbe, name string) Checker {
	return newProbe(name, StatusUnhealthy, func(ctx context.Context) (Status, string, map[string]string, error) {
		if db == nil {
			return "", "", nil, errString("database is not configured")
		}
		if err := db.Health(ctx); err != nil {
			return "", "", nil, err
		}
		stats := db.Stats()
		metadata := map[string]string{
			"open_connections": strconv.Itoa(stats.OpenConnections),
			"idle_connections": strconv.Itoa(stats.Idle),
			"in_use":           strconv.Itoa(stats.InUse),
			"max_connections":  strconv.Itoa(stats.MaxOpenConnections),
		}
		if stats.MaxOpenConnections > 0 && stats.OpenConnections*5 > stats.MaxOpenConnections*4 {
			return StatusDegraded, "connection pool nearly exhausted", metadata, nil
		}
		return "", "database reachable", metadata, nil
	})
}

// RedisProbe is the part of the cache client the checker needs
type RedisProbe interface {
	Health(ctx context.Context) error
	Stats() *redis.PoolStats
}

// NewRedisChecker reports degraded when Redis is down since annotation reads
// fall back to the store
func NewRedisChecker(cache RedisProbe, name string) Checker {
	return newProbe(name, StatusDegraded, func(ctx context.Context) (Status, string, map[string]string, error) {
		if cache == nil {
			return "", "", nil, errString("redis is not configured")
		}
		if err := cache.Health(ctx); err != nil {
			return "", "", nil, err
		}
		var metadata map[string]string
		if stats := cache.Stats(); stats != nil {
			metadata = map[string]string{
				"total_connections": strconv.FormatUint(uint64(stats.TotalConns), 10),
				"idle_connections":  strconv.FormatUint(uint64(stats.IdleConns), 10),
				"timeouts":          strconv.FormatUint(uint64(stats.Timeouts), 10),
			}
		}
		return "", "redis reachable", metadata, nil
	})
}

// NewSourceCircuitChecker reports degraded while any source circuit is not
// closed. states returns a snapshot keyed by source name.
func NewSourceCircuitChecker(name string, states func() map[string]resilience.CircuitState) Checker {
	return newProbe(name, StatusDegraded, func(ctx context.Context) (Status, string, map[string]string, error) {
		snapshot := states()
		metadata := make(map[string]string, len(snapshot))
		var tripped []string
		for source, state := range snapshot {
			metadata[source] = state.String()
			if state != resilience.StateClosed {
				tripped = append(tripped, source)
			}
		}
		if len(tripped) == 0 {
			return "", "all source circuits closed", metadata, nil
		}
		sort.Strings(tripped)
		return StatusDegraded, "circuit not closed for: " + strings.Join(tripped, ", "), metadata, nil
	})
}

// NewCustomChecker wraps checkFn. An error turns a healthy result unhealthy.
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) Checker {
	return newProbe(name, StatusUnhealthy, func(ctx context.Context) (Status, string, map[string]string, error) {
		status, message, err := checkFn(ctx)
		return status, message, nil, err
	})
}
