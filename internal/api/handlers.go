package api

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NikhilSetiya/annotation-enrichment/internal/database"
	"github.com/NikhilSetiya/annotation-enrichment/internal/orchestrator"
	"github.com/NikhilSetiya/annotation-enrichment/internal/sources"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/types"
)

// GeneStore reads and registers gene references
type GeneStore interface {
	Upsert(ctx context.Context, gene annotation.Gene) error
	Get(ctx context.Context, idOrSymbol string) (*annotation.Gene, error)
	List(ctx context.Context, pagination *database.Pagination) ([]annotation.Gene, int64, error)
}

// AnnotationStore reads stored annotation records
type AnnotationStore interface {
	Get(ctx context.Context, geneID, source string) (*annotation.Record, error)
	ListByGene(ctx context.Context, geneID string) ([]*annotation.Record, error)
	Coverage(ctx context.Context) ([]database.SourceCoverage, error)
}

// AnnotationCache is a read-through cache in front of the annotation store
type AnnotationCache interface {
	GetOrLoad(ctx context.Context, geneID, source string, ttl time.Duration, load func(ctx context.Context) (*annotation.Record, error)) (*annotation.Record, error)
}

// Pipeline starts and tracks annotation updates
type Pipeline interface {
	Registry() *orchestrator.Registry
	UpdateGene(ctx context.Context, sourceName, geneRef string) (*types.SourceOutcome, error)
	Submit(ctx context.Context, mode types.RunMode, sourceNames []string) (*types.Run, error)
	Cancel(runID uuid.UUID) error
	GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*types.Run, error)
	Stats() orchestrator.ServiceStats
}

// GeneHandler serves gene references and their annotations
type GeneHandler struct {
	genes       GeneStore
	annotations AnnotationStore
	cache       AnnotationCache
	pipeline    Pipeline
}

// NewGeneHandler creates a new gene handler
func NewGeneHandler(genes GeneStore, annotations AnnotationStore, cache AnnotationCache, pipeline Pipeline) *GeneHandler {
	return &GeneHandler{genes: genes, annotations: annotations, cache: cache, pipeline: pipeline}
}

// GeneRequest is the body of a gene registration
type GeneRequest struct {
	ID     string `json:"id" binding:"required"`
	Symbol string `json:"symbol" binding:"required"`
}

// GeneDetail is a gene with every stored annotation
type GeneDetail struct {
	Gene        annotation.Gene      `json:"gene"`
	Annotations []*annotation.Record `json:"annotations"`
}

// ListGenes handles GET /genes
func (h *GeneHandler) ListGenes(c *gin.Context) {
	pagination := &database.Pagination{
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 50),
	}
	pagination.Normalize()

	genes, total, err := h.genes.List(c.Request.Context(), pagination)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	PaginatedResponse(c, genes, pagination.Page, pagination.PageSize, total)
}

// UpsertGene handles POST /genes
func (h *GeneHandler) UpsertGene(c *gin.Context) {
	var req GeneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid gene: "+err.Error())
		return
	}

	gene := annotation.Gene{ID: strings.TrimSpace(req.ID), Symbol: strings.TrimSpace(req.Symbol)}
	if gene.ID == "" || gene.Symbol == "" {
		BadRequestResponse(c, "Gene id and symbol must not be blank")
		return
	}

	if err := h.genes.Upsert(c.Request.Context(), gene); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	CreatedResponse(c, gene)
}

// GetGene handles GET /genes/:gene
func (h *GeneHandler) GetGene(c *gin.Context) {
	ctx := c.Request.Context()
	gene, err := h.genes.Get(ctx, c.Param("gene"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	records, err := h.annotations.ListByGene(ctx, gene.ID)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if records == nil {
		records = []*annotation.Record{}
	}
	SuccessResponse(c, GeneDetail{Gene: *gene, Annotations: records})
}

// GetAnnotation handles GET /genes/:gene/annotations/:source through the cache
func (h *GeneHandler) GetAnnotation(c *gin.Context) {
	ctx := c.Request.Context()
	gene, err := h.genes.Get(ctx, c.Param("gene"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	// registered sources are addressed by their configured name in the cache
	// and the store alike
	source := strings.ToLower(c.Param("source"))
	var ttl time.Duration
	if src, err := h.pipeline.Registry().Get(source); err == nil {
		source, ttl = src.Name(), src.Config().CacheTTL
	}

	rec, err := h.cache.GetOrLoad(ctx, gene.ID, source, ttl, func(ctx context.Context) (*annotation.Record, error) {
		return h.annotations.Get(ctx, gene.ID, source)
	})
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, rec)
}

// RefreshAnnotation handles POST /genes/:gene/annotations/:source/refresh
func (h *GeneHandler) RefreshAnnotation(c *gin.Context) {
	outcome, err := h.pipeline.UpdateGene(c.Request.Context(), c.Param("source"), c.Param("gene"))
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, outcome)
}

// RunHandler starts and inspects pipeline runs
type RunHandler struct {
	pipeline Pipeline
}

// NewRunHandler creates a new run handler
func NewRunHandler(pipeline Pipeline) *RunHandler {
	return &RunHandler{pipeline: pipeline}
}

// RunRequest is the body of a run submission
type RunRequest struct {
	Mode    types.RunMode `json:"mode" binding:"required"`
	Sources []string      `json:"sources,omitempty"`
}

// CreateRun handles POST /runs
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestResponse(c, "Invalid run request: "+err.Error())
		return
	}
	if !req.Mode.Valid() {
		BadRequestResponse(c, "Unknown run mode: "+string(req.Mode))
		return
	}

	run, err := h.pipeline.Submit(c.Request.Context(), req.Mode, req.Sources)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	AcceptedResponse(c, run)
}

// ListRuns handles GET /runs
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	if limit < 1 || limit > 200 {
		limit = 20
	}

	runs, err := h.pipeline.ListRuns(c.Request.Context(), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if runs == nil {
		runs = []*types.Run{}
	}
	SuccessResponse(c, runs)
}

// GetRun handles GET /runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}

	run, err := h.pipeline.GetRun(c.Request.Context(), id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, run)
}

// CancelRun handles POST /runs/:id/cancel
func (h *RunHandler) CancelRun(c *gin.Context) {
	id, ok := runID(c)
	if !ok {
		return
	}

	if err := h.pipeline.Cancel(id); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	AcceptedResponse(c, gin.H{"id": id, "status": "cancelling"})
}

// SourceHandler reports on the configured sources
type SourceHandler struct {
	pipeline    Pipeline
	annotations AnnotationStore
}

// NewSourceHandler creates a new source handler
func NewSourceHandler(pipeline Pipeline, annotations AnnotationStore) *SourceHandler {
	return &SourceHandler{pipeline: pipeline, annotations: annotations}
}

// SourceInfo describes one registered source
type SourceInfo struct {
	Name              string         `json:"name"`
	Active            bool           `json:"active"`
	CircuitState      string         `json:"circuit_state"`
	BaseURL           string         `json:"base_url"`
	RequestsPerSecond float64        `json:"requests_per_second"`
	BatchSize         int            `json:"batch_size"`
	MaxRetries        int            `json:"max_retries"`
	MaxAge            time.Duration  `json:"max_age"`
	Stats             *sources.Stats `json:"stats,omitempty"`
}

type statsReporter interface {
	Stats() sources.Stats
}

// ListSources handles GET /sources
func (h *SourceHandler) ListSources(c *gin.Context) {
	registry := h.pipeline.Registry()
	infos := make([]SourceInfo, 0)
	for _, name := range registry.Names() {
		src, err := registry.Get(name)
		if err != nil {
			continue
		}
		cfg := src.Config()
		info := SourceInfo{
			Name:              src.Name(),
			Active:            cfg.IsActive(),
			CircuitState:      src.CircuitState().String(),
			BaseURL:           cfg.BaseURL,
			RequestsPerSecond: cfg.RequestsPerSecond,
			BatchSize:         cfg.BatchSize,
			MaxRetries:        cfg.MaxRetries,
			MaxAge:            cfg.MaxAge,
		}
		if reporter, ok := src.(statsReporter); ok {
			stats := reporter.Stats()
			info.Stats = &stats
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	SuccessResponse(c, infos)
}

// PipelineStats handles GET /pipeline/stats
func (h *SourceHandler) PipelineStats(c *gin.Context) {
	SuccessResponse(c, h.pipeline.Stats())
}

// Coverage handles GET /sources/coverage
func (h *SourceHandler) Coverage(c *gin.Context) {
	coverage, err := h.annotations.Coverage(c.Request.Context())
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	if coverage == nil {
		coverage = []database.SourceCoverage{}
	}
	SuccessResponse(c, coverage)
}

func runID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		ErrorResponseFromError(c, errors.NewValidationError("invalid run id").WithDetail("id", c.Param("id")))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
