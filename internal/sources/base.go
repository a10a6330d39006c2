package sources

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/resilience"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/tracing"
)

const maxResponseBytes = 64 << 20

// retryCounterKey scopes a retry counter to one batch fetch
type retryCounterKey struct{}

// Options holds the collaborators of a source
type Options struct {
	Config     config.SourceConfig
	Store      annotation.Store
	Cache      annotation.CacheInvalidator
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Tracer     *tracing.TracingService
	Logger     *logging.Logger
}

// Request describes one upstream exchange. Build is called once per attempt
// so request bodies are never reused.
type Request struct {
	Build func(ctx context.Context) (*http.Request, error)
	// NotFound reports whether a non-success response means "no data"
	NotFound func(status int, body []byte) bool
}

// Response is a successful, fully read upstream response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ChunkFunc fetches one chunk and returns records keyed by the symbol the
// upstream reported. GeneID and Source are filled in by the merge.
type ChunkFunc func(ctx context.Context, chunk []annotation.Gene) (map[string]*annotation.Record, error)

// Stats are cumulative counters of a source instance
type Stats struct {
	Requests uint64 `json:"requests"`
	Retries  uint64 `json:"retries"`
}

// Base carries the machinery shared by every source. Each source instance
// owns its limiter, breaker and chunk semaphore.
type Base struct {
	cfg      config.SourceConfig
	client   *http.Client
	limiter  *resilience.RateLimiter
	breaker  *resilience.CircuitBreaker
	retrier  *resilience.Retrier
	guard    *resilience.Guard
	sem      *semaphore.Weighted
	validate func(*annotation.Record) bool
	store    annotation.Store
	cache    annotation.CacheInvalidator
	metrics  *metrics.Metrics
	tracer   *tracing.TracingService
	logger   *logging.Logger
	requests atomic.Uint64
	retries  atomic.Uint64
	now      func() time.Time
}

// NewBase creates the shared machinery for a source. validate is the
// source's complete validation, generic checks included.
func NewBase(opts Options, validate func(*annotation.Record) bool) (*Base, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewValidationError(err.Error()).WithDetail("source", cfg.Name)
	}

	limiter, err := resilience.NewRateLimiter(cfg.Name, cfg.RequestsPerSecond)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}
	if validate == nil {
		validate = annotation.ValidateRecord
	}

	b := &Base{
		cfg:      cfg,
		limiter:  limiter,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		validate: validate,
		store:    opts.Store,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   logger,
		now:      time.Now,
	}

	client := &http.Client{}
	if opts.HTTPClient != nil {
		*client = *opts.HTTPClient
	}
	b.client = b.tracer.InstrumentHTTPClient(client)

	b.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:      cfg.Name,
		Threshold: cfg.CircuitBreakerThreshold,
		Cooldown:  cfg.CircuitBreakerCooldown,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			b.metrics.RecordCircuitTransition(name, from.String(), to.String(), int(to))
			b.logger.LogSourceEvent(context.Background(), "circuit_state_changed", name, logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	b.retrier = resilience.NewRetrier(resilience.RetryConfig{
		Name:                 cfg.Name,
		MaxRetries:           cfg.MaxRetries,
		InitialDelay:         cfg.RetryInitialDelay,
		MaxDelay:             cfg.RetryMaxDelay,
		BackoffMultiplier:    2.0,
		Jitter:               true,
		RetryableStatusCodes: resilience.DefaultRetryableStatusCodes,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			b.retries.Add(1)
			b.metrics.RecordRetry(cfg.Name)
			b.logger.LogSourceEvent(context.Background(), "retry", cfg.Name, logrus.Fields{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			})
		},
	})

	limiter.Observe(b.metrics.RecordRateLimiterWait)
	b.guard = resilience.NewGuard(limiter, b.breaker, b.retrier)

	return b, nil
}

// Name returns the source name
func (b *Base) Name() string {
	return b.cfg.Name
}

// Config returns the source configuration
func (b *Base) Config() config.SourceConfig {
	return b.cfg
}

// CircuitState returns the breaker state
func (b *Base) CircuitState() resilience.CircuitState {
	return b.breaker.State()
}

// Stats returns cumulative request and retry counts
func (b *Base) Stats() Stats {
	return Stats{
		Requests: b.requests.Load(),
		Retries:  b.retries.Load(),
	}
}

// Logger returns the source logger
func (b *Base) Logger() *logging.Logger {
	return b.logger
}

// Do performs one guarded upstream exchange. Every attempt, retries included,
// waits for a rate-limiter slot and passes through the circuit breaker. The
// status is inspected before the caller sees the body.
func (b *Base) Do(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	retries, err := b.guard.Execute(ctx, func(ctx context.Context) error {
		r, err := b.attempt(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if counter, ok := ctx.Value(retryCounterKey{}).(*atomic.Int64); ok {
		counter.Add(int64(retries))
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// attempt runs a single HTTP exchange under the per-request timeout
func (b *Base) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := req.Build(attemptCtx)
	if err != nil {
		return nil, errors.NewInternalError("failed to build upstream request").WithCause(err).
			WithDetail("source", b.cfg.Name)
	}

	b.requests.Add(1)
	start := time.Now()
	httpResp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, b.transportError(ctx, attemptCtx, start, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, b.transportError(ctx, attemptCtx, start, err)
	}
	b.metrics.RecordSourceRequest(b.cfg.Name, strconv.Itoa(httpResp.StatusCode), time.Since(start))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		if req.NotFound != nil && req.NotFound(httpResp.StatusCode, body) {
			return nil, errors.NewNotFoundError(b.cfg.Name+" entry").
				WithDetail("source", b.cfg.Name)
		}
		return nil, errors.NewHTTPStatusError(b.cfg.Name, httpResp.StatusCode).
			WithDetail("body", truncate(string(body), 256))
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (b *Base) transportError(parent, attemptCtx context.Context, start time.Time, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if stderrors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		b.metrics.RecordSourceRequest(b.cfg.Name, "timeout", time.Since(start))
		return errors.NewTimeoutError(fmt.Sprintf("%s request", b.cfg.Name)).WithCause(err)
	}
	b.metrics.RecordSourceRequest(b.cfg.Name, "transport_error", time.Since(start))
	return errors.NewExternalError(b.cfg.Name, "upstream request failed").WithCause(err)
}

// FetchOne runs fetch for a single gene and normalizes the outcome: not-found
// answers and records failing validation both yield nil without error.
func (b *Base) FetchOne(ctx context.Context, gene annotation.Gene, fetch func(ctx context.Context, gene annotation.Gene) (*annotation.Record, error)) (*annotation.Record, error) {
	ctx, span := b.tracer.StartSourceSpan(ctx, b.cfg.Name, "fetch_one", 1)
	defer span.End()

	rec, err := fetch(ctx, gene)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		b.tracer.RecordError(span, err)
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	rec = b.bind(rec, gene)
	if !b.validate(rec) {
		b.logger.LogSourceEvent(ctx, "record_invalid", b.cfg.Name, logrus.Fields{"gene_id": gene.ID, "symbol": gene.Symbol})
		return nil, nil
	}
	return rec, nil
}

// FetchBatch splits genes into chunks of at most BatchSize, dispatches them
// with at most MaxConcurrency in flight and merges the results. A failed
// chunk is recorded in the result and does not affect other chunks. Records
// are matched to genes by case-insensitive symbol; the first record merged
// for a gene is kept.
func (b *Base) FetchBatch(ctx context.Context, genes []annotation.Gene, fetchChunk ChunkFunc) (*annotation.BatchResult, error) {
	genes = dedupe(genes)
	result := annotation.NewBatchResult()
	if len(genes) == 0 {
		return result, nil
	}

	ctx, span := b.tracer.StartSourceSpan(ctx, b.cfg.Name, "fetch_batch", len(genes))
	defer span.End()

	index := make(map[string][]annotation.Gene, len(genes))
	for _, gene := range genes {
		index[gene.Key()] = append(index[gene.Key()], gene)
	}

	chunks := Chunk(genes, b.cfg.BatchSize)
	result.ChunksTotal = len(chunks)
	retries := new(atomic.Int64)
	ctx = context.WithValue(ctx, retryCounterKey{}, retries)

	var (
		mu     sync.Mutex
		failed = make(map[string]annotation.Gene)
		g      errgroup.Group
	)

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			if err := b.sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				b.recordChunkFailure(result, failed, i, chunk, err)
				mu.Unlock()
				return nil
			}
			defer b.sem.Release(1)

			chunkCtx, chunkSpan := b.tracer.StartChunkSpan(ctx, b.cfg.Name, i, len(chunk))
			records, err := fetchChunk(chunkCtx, chunk)
			if err != nil {
				b.tracer.RecordError(chunkSpan, err)
			}
			chunkSpan.End()

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				b.recordChunkFailure(result, failed, i, chunk, err)
				b.logger.LogError(ctx, err, "Annotation chunk failed", logrus.Fields{
					"source":     b.cfg.Name,
					"chunk":      i,
					"chunk_size": len(chunk),
				})
				return nil
			}

			b.metrics.RecordChunk(b.cfg.Name, "succeeded")
			b.merge(result, index, records)
			return nil
		})
	}
	_ = g.Wait()

	result.Retries = int(retries.Load())

	for _, gene := range genes {
		if _, ok := result.Records[gene.ID]; ok {
			continue
		}
		if _, ok := failed[gene.ID]; ok {
			result.FailedGenes = append(result.FailedGenes, gene)
			continue
		}
		result.NotFound = append(result.NotFound, gene)
	}

	b.logger.LogSourceEvent(ctx, "batch_completed", b.cfg.Name, logrus.Fields{
		"genes":         len(genes),
		"records":       len(result.Records),
		"not_found":     len(result.NotFound),
		"chunks_total":  result.ChunksTotal,
		"chunks_failed": result.ChunksFailed,
		"retries":       result.Retries,
	})

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// merge copies chunk records into the result. Symbols are visited in sorted
// order and a gene takes the record returned under its exact spelling when
// there is one. Callers hold the result lock.
func (b *Base) merge(result *annotation.BatchResult, index map[string][]annotation.Gene, records map[string]*annotation.Record) {
	for _, symbol := range slices.Sorted(maps.Keys(records)) {
		rec := records[symbol]
		if rec == nil {
			continue
		}
		for _, gene := range index[annotation.NormalizeSymbol(symbol)] {
			if _, taken := result.Records[gene.ID]; taken {
				continue
			}
			if exact := records[gene.Symbol]; exact != nil && gene.Symbol != symbol {
				continue
			}
			bound := b.bind(rec, gene)
			if !b.validate(bound) {
				result.Invalid++
				continue
			}
			result.Records[gene.ID] = bound
		}
	}
}

func (b *Base) recordChunkFailure(result *annotation.BatchResult, failed map[string]annotation.Gene, index int, chunk []annotation.Gene, err error) {
	result.ChunksFailed++
	result.ChunkErrors = append(result.ChunkErrors, annotation.ChunkError{
		Index: index,
		Size:  len(chunk),
		Error: err.Error(),
		Err:   err,
	})
	for _, gene := range chunk {
		failed[gene.ID] = gene
	}
	b.metrics.RecordChunk(b.cfg.Name, "failed")
}

// bind returns a copy of rec attached to gene and this source
func (b *Base) bind(rec *annotation.Record, gene annotation.Gene) *annotation.Record {
	bound := *rec
	bound.GeneID = gene.ID
	bound.Source = b.cfg.Name
	return &bound
}

// Persist upserts the record by (gene, source) and then invalidates the
// gene's cached annotations. An invalidation failure is logged; the stored
// record stays authoritative and stale cache entries expire with their TTL.
func (b *Base) Persist(ctx context.Context, gene annotation.Gene, rec *annotation.Record) error {
	if b.store == nil {
		return errors.NewSourceError(b.cfg.Name, "annotation store is not configured")
	}
	if rec == nil {
		return errors.NewValidationError("record is required")
	}

	rec = b.bind(rec, gene)
	now := b.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := b.store.Upsert(ctx, rec); err != nil {
		return errors.NewInternalError("failed to persist annotation").WithCause(err).
			WithDetail("source", b.cfg.Name).
			WithDetail("gene_id", gene.ID)
	}

	if b.cache != nil {
		if err := b.cache.InvalidateGene(ctx, gene.ID); err != nil {
			b.metrics.RecordError("cache", string(errors.GetType(err)))
			b.logger.LogError(ctx, err, "Failed to invalidate annotation cache", logrus.Fields{
				"source":  b.cfg.Name,
				"gene_id": gene.ID,
			})
		}
	}

	return nil
}

// Chunk partitions genes into slices of at most size elements
func Chunk(genes []annotation.Gene, size int) [][]annotation.Gene {
	if size <= 0 {
		size = len(genes)
	}
	if size == 0 {
		return nil
	}
	chunks := make([][]annotation.Gene, 0, (len(genes)+size-1)/size)
	for start := 0; start < len(genes); start += size {
		end := min(start+size, len(genes))
		chunks = append(chunks, genes[start:end])
	}
	return chunks
}

func dedupe(genes []annotation.Gene) []annotation.Gene {
	seen := make(map[string]struct{}, len(genes))
	out := make([]annotation.Gene, 0, len(genes))
	for _, gene := range genes {
		if _, ok := seen[gene.ID]; ok {
			continue
		}
		seen[gene.ID] = struct{}{}
		out = append(out, gene)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
