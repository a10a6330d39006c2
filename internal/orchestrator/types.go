package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/resilience"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/tracing"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/types"
)

// GeneStore resolves the genes a run works on
type GeneStore interface {
	Get(ctx context.Context, idOrSymbol string) (*annotation.Gene, error)
	ListAll(ctx context.Context) ([]annotation.Gene, error)
	ListMissing(ctx context.Context, source string, maxAge time.Duration) ([]annotation.Gene, error)
}

// RunStore keeps pipeline run history
type RunStore interface {
	Save(ctx context.Context, run *types.Run) error
	Get(ctx context.Context, id uuid.UUID) (*types.Run, error)
	List(ctx context.Context, limit int) ([]*types.Run, error)
}

// Notifier is told about runs that did not complete cleanly
type Notifier interface {
	NotifyRun(ctx context.Context, run *types.Run) error
}

// Config contains orchestration service configuration
type Config struct {
	RunTimeout         time.Duration `json:"run_timeout"`
	PersistConcurrency int           `json:"persist_concurrency"`
	MaxConcurrentRuns  int           `json:"max_concurrent_runs"`
}

// DefaultConfig returns default orchestration configuration
func DefaultConfig() *Config {
	return &Config{
		RunTimeout:         2 * time.Hour,
		PersistConcurrency: 8,
		MaxConcurrentRuns:  1,
	}
}

// Dependencies are the collaborators of the service
type Dependencies struct {
	Registry *Registry
	Genes    GeneStore
	Runs     RunStore
	Notifier Notifier
	Metrics  *metrics.Metrics
	Tracer   *tracing.TracingService
	Logger   *logging.Logger
}

// ServiceStats represents statistics for the orchestration service
type ServiceStats struct {
	ActiveRuns    int                                `json:"active_runs"`
	CompletedRuns int64                              `json:"completed_runs"`
	PartialRuns   int64                              `json:"partial_runs"`
	FailedRuns    int64                              `json:"failed_runs"`
	Uptime        time.Duration                      `json:"uptime"`
	Sources       []string                           `json:"sources"`
	Circuits      map[string]resilience.CircuitState `json:"circuits"`
}
