package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/resilience"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/tracing"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/types"
)

// Service drives annotation updates across the registered sources
type Service struct {
	registry *Registry
	genes    GeneStore
	runs     RunStore
	notifier Notifier
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
	logger   *logging.Logger
	config   *Config

	runSlots  *semaphore.Weighted
	mu        sync.Mutex
	active    map[uuid.UUID]context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	completedRuns atomic.Int64
	partialRuns   atomic.Int64
	failedRuns    atomic.Int64
}

// NewService creates a new orchestration service
func NewService(deps Dependencies, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PersistConcurrency <= 0 {
		config.PersistConcurrency = 1
	}
	if config.MaxConcurrentRuns <= 0 {
		config.MaxConcurrentRuns = 1
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultConfig().RunTimeout
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	return &Service{
		registry:  deps.Registry,
		genes:     deps.Genes,
		runs:      deps.Runs,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logger,
		config:    config,
		runSlots:  semaphore.NewWeighted(int64(config.MaxConcurrentRuns)),
		active:    make(map[uuid.UUID]context.CancelFunc),
		startedAt: time.Now(),
	}
}

// Registry returns the source registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// UpdateGene refreshes one gene from one source
func (s *Service) UpdateGene(ctx context.Context, sourceName, geneRef string) (*types.SourceOutcome, error) {
	src, err := s.registry.Get(sourceName)
	if err != nil {
		return nil, err
	}
	gene, err := s.genes.Get(ctx, geneRef)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	outcome := &types.SourceOutcome{Source: src.Name(), Requested: 1}
	defer func() { outcome.Duration = time.Since(start) }()

	if src.CircuitState() == resilience.StateOpen {
		outcome.Skipped = 1
		outcome.Status = types.SourceStatusSkipped
		outcome.Error = "circuit breaker open"
		return outcome, nil
	}

	rec, err := src.FetchOne(ctx, *gene)
	switch {
	case err != nil && resilience.IsCircuitBreakerError(err):
		outcome.Skipped = 1
		outcome.Status = types.SourceStatusSkipped
		outcome.Error = err.Error()
	case err != nil:
		outcome.Failed = 1
		outcome.Status = types.SourceStatusFailed
		outcome.Error = err.Error()
		s.logger.LogError(ctx, err, "Gene update failed", logrus.Fields{"source": src.Name(), "gene_id": gene.ID})
	case rec == nil:
		outcome.NotFound = 1
		outcome.Skipped = 1
		outcome.Status = types.SourceStatusCompleted
	default:
		if err := src.Persist(ctx, *gene, rec); err != nil {
			outcome.Failed = 1
			outcome.Status = types.SourceStatusFailed
			outcome.Error = err.Error()
			s.logger.LogError(ctx, err, "Failed to persist annotation", logrus.Fields{"source": src.Name(), "gene_id": gene.ID})
		} else {
			outcome.Updated = 1
			outcome.Status = types.SourceStatusCompleted
		}
	}

	s.recordOutcome(outcome)
	return outcome, nil
}

// UpdateMissing refreshes genes lacking a fresh record in each named source.
// An empty list means every active source.
func (s *Service) UpdateMissing(ctx context.Context, sourceNames []string) (*types.Run, error) {
	srcs, err := s.registry.Resolve(sourceNames)
	if err != nil {
		return nil, err
	}
	run := types.NewRun(types.RunModeMissing, names(srcs))
	return s.execute(ctx, run, srcs), nil
}

// UpdateAll refreshes every gene in every active source
func (s *Service) UpdateAll(ctx context.Context) (*types.Run, error) {
	srcs := s.registry.Active()
	run := types.NewRun(types.RunModeFull, names(srcs))
	return s.execute(ctx, run, srcs), nil
}

// Submit starts a run in the background and returns it while queued. The run
// is bounded by the configured run timeout, not by ctx.
func (s *Service) Submit(ctx context.Context, mode types.RunMode, sourceNames []string) (*types.Run, error) {
	var srcs []annotation.Source
	switch mode {
	case types.RunModeMissing:
		resolved, err := s.registry.Resolve(sourceNames)
		if err != nil {
			return nil, err
		}
		srcs = resolved
	case types.RunModeFull:
		srcs = s.registry.Active()
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("mode %q cannot be submitted", mode))
	}

	run := types.NewRun(mode, names(srcs))
	s.save(ctx, run)

	runCtx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	runCtx = logging.WithCorrelationID(runCtx, logging.GetCorrelationID(ctx))

	s.mu.Lock()
	s.active[run.ID] = cancel
	s.mu.Unlock()

	snapshot := *run
	snapshot.Summary = types.NewRunSummary()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.active, run.ID)
			s.mu.Unlock()
		}()
		s.execute(runCtx, run, srcs)
	}()

	return &snapshot, nil
}

// Cancel stops a background run
func (s *Service) Cancel(runID uuid.UUID) error {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("active pipeline run")
	}
	cancel()
	return nil
}

// GetRun returns a run by ID
func (s *Service) GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	return s.runs.Get(ctx, runID)
}

// ListRuns returns recent runs
func (s *Service) ListRuns(ctx context.Context, limit int) ([]*types.Run, error) {
	return s.runs.List(ctx, limit)
}

// Stats returns service statistics
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()

	return ServiceStats{
		ActiveRuns:    active,
		CompletedRuns: s.completedRuns.Load(),
		PartialRuns:   s.partialRuns.Load(),
		FailedRuns:    s.failedRuns.Load(),
		Uptime:        time.Since(s.startedAt),
		Sources:       s.registry.Names(),
		Circuits:      s.registry.CircuitStates(),
	}
}

// Shutdown cancels background runs and waits for them to record their state
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs every source independently and records the outcome on run
func (s *Service) execute(ctx context.Context, run *types.Run, srcs []annotation.Source) *types.Run {
	ctx = logging.WithRunID(ctx, run.ID.String())
	ctx, span := s.tracer.StartPipelineSpan(ctx, string(run.Mode), run.ID.String())
	defer span.End()

	if err := s.runSlots.Acquire(ctx, 1); err != nil {
		s.finish(ctx, run, types.RunStatusCancelled, err)
		return run
	}
	defer s.runSlots.Release(1)

	run.Status = types.RunStatusRunning
	s.save(ctx, run)
	s.metrics.RunStarted()
	defer s.metrics.RunFinished()

	s.logger.LogPipelineEvent(ctx, "run_started", run.ID.String(), logrus.Fields{
		"mode":    run.Mode,
		"sources": []string(run.Sources),
	})

	var (
		mu       sync.Mutex
		allGenes []annotation.Gene
		g        errgroup.Group
	)
	if run.Mode == types.RunModeFull {
		genes, err := s.genes.ListAll(ctx)
		if err != nil {
			s.tracer.RecordError(span, err)
			s.finish(ctx, run, types.RunStatusFailed, err)
			return run
		}
		allGenes = genes
		run.Summary.Genes = len(genes)
	}

	for _, src := range srcs {
		src := src
		g.Go(func() error {
			genes := allGenes
			if run.Mode != types.RunModeFull {
				missing, err := s.genes.ListMissing(ctx, src.Name(), src.Config().MaxAge)
				if err != nil {
					mu.Lock()
					run.Summary.Sources[src.Name()] = &types.SourceOutcome{
						Source: src.Name(),
						Status: types.SourceStatusFailed,
						Error:  err.Error(),
					}
					mu.Unlock()
					return nil
				}
				genes = missing
			}

			outcome := s.runSource(ctx, src, genes)

			mu.Lock()
			run.Summary.Sources[src.Name()] = outcome
			if run.Mode != types.RunModeFull && len(genes) > run.Summary.Genes {
				run.Summary.Genes = len(genes)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	status := overallStatus(run.Summary)
	if ctx.Err() != nil {
		status = types.RunStatusCancelled
	}
	s.finish(ctx, run, status, ctx.Err())
	return run
}

// runSource fetches and persists one source's genes. Failures stay inside
// the returned outcome.
func (s *Service) runSource(ctx context.Context, src annotation.Source, genes []annotation.Gene) *types.SourceOutcome {
	start := time.Now()
	outcome := &types.SourceOutcome{Source: src.Name(), Requested: len(genes)}
	defer func() {
		outcome.Duration = time.Since(start)
		s.recordOutcome(outcome)
	}()

	if len(genes) == 0 {
		outcome.Status = types.SourceStatusCompleted
		return outcome
	}

	if src.CircuitState() == resilience.StateOpen {
		outcome.Skipped = len(genes)
		outcome.Status = types.SourceStatusSkipped
		outcome.Error = "circuit breaker open"
		s.logger.LogSourceEvent(ctx, "source_skipped", src.Name(), logrus.Fields{"genes": len(genes)})
		return outcome
	}

	result, err := src.FetchBatch(ctx, genes)
	if result == nil {
		outcome.Failed = len(genes)
		outcome.Status = types.SourceStatusFailed
		if err != nil {
			outcome.Error = err.Error()
		}
		return outcome
	}

	outcome.ChunksTotal = result.ChunksTotal
	outcome.ChunksFailed = result.ChunksFailed
	outcome.Retries = result.Retries
	outcome.Invalid = result.Invalid
	outcome.NotFound = len(result.NotFound)
	outcome.Skipped = len(result.NotFound)

	circuitSkipped := 0
	for _, chunkErr := range result.ChunkErrors {
		if resilience.IsCircuitBreakerError(chunkErr.Err) {
			circuitSkipped += chunkErr.Size
		}
	}
	circuitSkipped = min(circuitSkipped, len(result.FailedGenes))
	outcome.Skipped += circuitSkipped
	outcome.Failed = len(result.FailedGenes) - circuitSkipped
	if len(result.ChunkErrors) > 0 {
		outcome.Error = result.ChunkErrors[0].Error
	}

	updated, failed := s.persist(ctx, src, genes, result.Records)
	outcome.Updated = updated
	outcome.Failed += failed

	if err != nil && outcome.Error == "" {
		outcome.Error = err.Error()
	}

	switch {
	case outcome.Failed == 0 && circuitSkipped == len(genes):
		outcome.Status = types.SourceStatusSkipped
	case outcome.Failed == 0:
		outcome.Status = types.SourceStatusCompleted
	case outcome.Updated > 0 || outcome.Skipped > 0:
		outcome.Status = types.SourceStatusPartial
	default:
		outcome.Status = types.SourceStatusFailed
	}
	return outcome
}

// persist stores the fetched records with bounded concurrency
func (s *Service) persist(ctx context.Context, src annotation.Source, genes []annotation.Gene, records map[string]*annotation.Record) (updated, failed int) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.config.PersistConcurrency)

	for _, gene := range genes {
		rec, ok := records[gene.ID]
		if !ok {
			continue
		}
		gene := gene
		g.Go(func() error {
			err := src.Persist(ctx, gene, rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				s.logger.LogError(ctx, err, "Failed to persist annotation", logrus.Fields{
					"source":  src.Name(),
					"gene_id": gene.ID,
				})
				return nil
			}
			updated++
			return nil
		})
	}
	_ = g.Wait()
	return updated, failed
}

func (s *Service) finish(ctx context.Context, run *types.Run, status types.RunStatus, cause error) {
	finished := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &finished
	if cause != nil {
		run.Error = cause.Error()
	}

	switch status {
	case types.RunStatusCompleted:
		s.completedRuns.Add(1)
	case types.RunStatusPartial:
		s.partialRuns.Add(1)
	default:
		s.failedRuns.Add(1)
	}

	// the run context may already be done; history must still be written
	s.save(context.WithoutCancel(ctx), run)
	s.metrics.RecordPipelineRun(string(run.Mode), string(status), run.Duration())

	updated, skipped, failed := run.Summary.Totals()
	s.logger.LogPipelineEvent(ctx, "run_finished", run.ID.String(), logrus.Fields{
		"mode":     run.Mode,
		"status":   status,
		"updated":  updated,
		"skipped":  skipped,
		"failed":   failed,
		"duration": run.Duration().String(),
	})

	if s.notifier != nil && status != types.RunStatusCompleted {
		if err := s.notifier.NotifyRun(context.WithoutCancel(ctx), run); err != nil {
			s.logger.LogError(ctx, err, "Failed to send run notification", logrus.Fields{"run_id": run.ID.String()})
		}
	}
}

func (s *Service) save(ctx context.Context, run *types.Run) {
	if s.runs == nil {
		return
	}
	if err := s.runs.Save(ctx, run); err != nil {
		s.logger.LogError(ctx, err, "Failed to save pipeline run", logrus.Fields{"run_id": run.ID.String()})
	}
}

func (s *Service) recordOutcome(outcome *types.SourceOutcome) {
	s.metrics.RecordAnnotations(outcome.Source, "updated", outcome.Updated)
	s.metrics.RecordAnnotations(outcome.Source, "skipped", outcome.Skipped)
	s.metrics.RecordAnnotations(outcome.Source, "failed", outcome.Failed)
}

// overallStatus folds source outcomes into a run status
func overallStatus(summary types.RunSummary) types.RunStatus {
	if len(summary.Sources) == 0 {
		return types.RunStatusCompleted
	}

	failed, degraded := 0, 0
	for _, outcome := range summary.Sources {
		switch outcome.Status {
		case types.SourceStatusFailed:
			failed++
		case types.SourceStatusPartial:
			degraded++
		}
	}

	switch {
	case failed == len(summary.Sources):
		return types.RunStatusFailed
	case failed > 0 || degraded > 0:
		return types.RunStatusPartial
	default:
		return types.RunStatusCompleted
	}
}

func names(srcs []annotation.Source) []string {
	out := make([]string, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, src.Name())
	}
	return out
}
