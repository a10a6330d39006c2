package annotation

import (
	"context"
	"strings"
	"time"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/resilience"
)

// Source defines the interface that every annotation source must implement
type Source interface {
	// Name returns the unique source name, e.g. "ensembl"
	Name() string

	// Config returns the static source configuration
	Config() config.SourceConfig

	// FetchOne fetches and normalizes one gene. It returns nil without error
	// when the upstream has no data for the gene.
	FetchOne(ctx context.Context, gene Gene) (*Record, error)

	// FetchBatch fetches many genes in chunks. Chunk failures are reported in
	// the result rather than returned as an error.
	FetchBatch(ctx context.Context, genes []Gene) (*BatchResult, error)

	// Validate reports whether a record is complete enough to store
	Validate(rec *Record) bool

	// Persist upserts the record and invalidates cached entries for the gene
	Persist(ctx context.Context, gene Gene, rec *Record) error

	// CircuitState returns the state of the source's circuit breaker
	CircuitState() resilience.CircuitState
}

// Store persists annotation records keyed by (gene, source)
type Store interface {
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, geneID, source string) (*Record, error)
	ListByGene(ctx context.Context, geneID string) ([]*Record, error)
}

// CacheInvalidator drops cached annotation entries for a gene
type CacheInvalidator interface {
	InvalidateGene(ctx context.Context, geneID string) error
}

// Gene is a reference to a gene owned by the wider application
type Gene struct {
	ID     string `json:"id" db:"id"`
	Symbol string `json:"symbol" db:"symbol"`
}

// Key returns the case-insensitive matching key for the gene symbol
func (g Gene) Key() string {
	return NormalizeSymbol(g.Symbol)
}

// NormalizeSymbol folds a gene symbol for case-insensitive matching
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Payload is the normalized, source-specific annotation body
type Payload map[string]interface{}

// Record is one annotation of one gene by one source
type Record struct {
	GeneID    string    `json:"gene_id" db:"gene_id"`
	Source    string    `json:"source" db:"source"`
	Payload   Payload   `json:"payload" db:"payload"`
	Version   string    `json:"version,omitempty" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsFresh reports whether the record was updated within maxAge of now.
// A zero maxAge means records never go stale.
func (r *Record) IsFresh(now time.Time, maxAge time.Duration) bool {
	if r == nil {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return !r.UpdatedAt.Before(now.Add(-maxAge))
}

// ChunkError describes a chunk whose request failed after all retries
type ChunkError struct {
	Index int    `json:"index"`
	Size  int    `json:"size"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// BatchResult is the merged outcome of a chunked batch fetch
type BatchResult struct {
	// Records maps gene ID to its validated record
	Records map[string]*Record `json:"records"`
	// NotFound lists genes the upstream had no valid data for
	NotFound []Gene `json:"not_found,omitempty"`
	// FailedGenes lists genes whose chunk failed
	FailedGenes  []Gene       `json:"failed_genes,omitempty"`
	ChunksTotal  int          `json:"chunks_total"`
	ChunksFailed int          `json:"chunks_failed"`
	ChunkErrors  []ChunkError `json:"chunk_errors,omitempty"`
	Invalid      int          `json:"invalid"`
	Retries      int          `json:"retries"`
}

// NewBatchResult creates an empty batch result
func NewBatchResult() *BatchResult {
	return &BatchResult{Records: make(map[string]*Record)}
}
