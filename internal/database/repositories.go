package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/types"
)

// Pagination represents pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Normalize clamps pagination to sane bounds
func (p *Pagination) Normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 50
	}
	if p.PageSize > 1000 {
		p.PageSize = 1000
	}
}

// Offset returns the row offset of the page
func (p *Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// GeneRepository handles gene reference queries
type GeneRepository struct {
	db *DB
}

// NewGeneRepository creates a new gene repository
func NewGeneRepository(db *DB) *GeneRepository {
	return &GeneRepository{db: db}
}

// Upsert registers a gene or renames its symbol
func (r *GeneRepository) Upsert(ctx context.Context, gene annotation.Gene) (err error) {
	ctx, done := r.db.observe(ctx, "upsert", "genes")
	defer func() { done(err) }()

	query := `
		INSERT INTO genes (id, symbol)
		VALUES (:id, :symbol)
		ON CONFLICT (id) DO UPDATE SET symbol = EXCLUDED.symbol`

	if _, err = r.db.NamedExecContext(ctx, query, gene); err != nil {
		return errors.NewInternalError("failed to upsert gene").WithCause(err)
	}
	return nil
}

// Get resolves a gene by ID, falling back to a case-insensitive symbol match
func (r *GeneRepository) Get(ctx context.Context, idOrSymbol string) (gene *annotation.Gene, err error) {
	ctx, done := r.db.observe(ctx, "select", "genes")
	defer func() { done(err) }()

	var g annotation.Gene
	query := `
		SELECT id, symbol FROM genes
		WHERE id = $1 OR UPPER(symbol) = UPPER($1)
		ORDER BY (id = $1) DESC
		LIMIT 1`

	if err = r.db.GetContext(ctx, &g, query, idOrSymbol); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("gene")
		}
		return nil, errors.NewInternalError("failed to get gene").WithCause(err)
	}
	return &g, nil
}

// List returns one page of genes and the total count
func (r *GeneRepository) List(ctx context.Context, pagination *Pagination) (genes []annotation.Gene, total int64, err error) {
	ctx, done := r.db.observe(ctx, "select", "genes")
	defer func() { done(err) }()

	pagination.Normalize()

	if err = r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM genes`); err != nil {
		return nil, 0, errors.NewInternalError("failed to count genes").WithCause(err)
	}

	query := `SELECT id, symbol FROM genes ORDER BY id LIMIT $1 OFFSET $2`
	if err = r.db.SelectContext(ctx, &genes, query, pagination.PageSize, pagination.Offset()); err != nil {
		return nil, 0, errors.NewInternalError("failed to list genes").WithCause(err)
	}
	return genes, total, nil
}

// ListAll returns every gene
func (r *GeneRepository) ListAll(ctx context.Context) (genes []annotation.Gene, err error) {
	ctx, done := r.db.observe(ctx, "select", "genes")
	defer func() { done(err) }()

	if err = r.db.SelectContext(ctx, &genes, `SELECT id, symbol FROM genes ORDER BY id`); err != nil {
		return nil, errors.NewInternalError("failed to list genes").WithCause(err)
	}
	return genes, nil
}

// ListMissing returns genes without a record from source updated within
// maxAge. A zero maxAge selects only genes with no record at all.
func (r *GeneRepository) ListMissing(ctx context.Context, source string, maxAge time.Duration) (genes []annotation.Gene, err error) {
	ctx, done := r.db.observe(ctx, "select", "genes")
	defer func() { done(err) }()

	var cutoff *time.Time
	if maxAge > 0 {
		t := time.Now().UTC().Add(-maxAge)
		cutoff = &t
	}

	query := `
		SELECT g.id, g.symbol
		FROM genes g
		LEFT JOIN gene_annotations a ON a.gene_id = g.id AND a.source = $1
		WHERE a.gene_id IS NULL
		   OR ($2::timestamptz IS NOT NULL AND a.updated_at < $2::timestamptz)
		ORDER BY g.id`

	if err = r.db.SelectContext(ctx, &genes, query, source, cutoff); err != nil {
		return nil, errors.NewInternalError("failed to list genes missing annotations").WithCause(err).
			WithDetail("source", source)
	}
	return genes, nil
}

// AnnotationRepository stores annotation records keyed by (gene, source)
type AnnotationRepository struct {
	db *DB
}

// NewAnnotationRepository creates a new annotation repository
func NewAnnotationRepository(db *DB) *AnnotationRepository {
	return &AnnotationRepository{db: db}
}

// Upsert inserts the record or replaces the one stored for (gene, source).
// created_at survives replacement.
func (r *AnnotationRepository) Upsert(ctx context.Context, rec *annotation.Record) (err error) {
	ctx, done := r.db.observe(ctx, "upsert", "gene_annotations")
	defer func() { done(err) }()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	query := `
		INSERT INTO gene_annotations (gene_id, source, payload, version, created_at, updated_at)
		VALUES (:gene_id, :source, :payload, :version, :created_at, :updated_at)
		ON CONFLICT (gene_id, source) DO UPDATE SET
			payload = EXCLUDED.payload,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`

	if _, err = r.db.NamedExecContext(ctx, query, rec); err != nil {
		return errors.NewInternalError("failed to upsert annotation").WithCause(err).
			WithDetail("gene_id", rec.GeneID).
			WithDetail("source", rec.Source)
	}
	return nil
}

// Get returns the record of one gene from one source
func (r *AnnotationRepository) Get(ctx context.Context, geneID, source string) (rec *annotation.Record, err error) {
	ctx, done := r.db.observe(ctx, "select", "gene_annotations")
	defer func() { done(err) }()

	var record annotation.Record
	query := `
		SELECT gene_id, source, payload, version, created_at, updated_at
		FROM gene_annotations
		WHERE gene_id = $1 AND source = $2`

	if err = r.db.GetContext(ctx, &record, query, geneID, source); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("annotation")
		}
		return nil, errors.NewInternalError("failed to get annotation").WithCause(err)
	}
	return &record, nil
}

// ListByGene returns every source's record for a gene
func (r *AnnotationRepository) ListByGene(ctx context.Context, geneID string) (records []*annotation.Record, err error) {
	ctx, done := r.db.observe(ctx, "select", "gene_annotations")
	defer func() { done(err) }()

	query := `
		SELECT gene_id, source, payload, version, created_at, updated_at
		FROM gene_annotations
		WHERE gene_id = $1
		ORDER BY source`

	if err = r.db.SelectContext(ctx, &records, query, geneID); err != nil {
		return nil, errors.NewInternalError("failed to list annotations").WithCause(err)
	}
	return records, nil
}

// SourceCoverage summarizes the stored records of one source
type SourceCoverage struct {
	Source      string     `json:"source" db:"source"`
	Records     int64      `json:"records" db:"records"`
	LastUpdated *time.Time `json:"last_updated,omitempty" db:"last_updated"`
}

// Coverage counts stored records per source
func (r *AnnotationRepository) Coverage(ctx context.Context) (coverage []SourceCoverage, err error) {
	ctx, done := r.db.observe(ctx, "select", "gene_annotations")
	defer func() { done(err) }()

	query := `
		SELECT source, COUNT(*) AS records, MAX(updated_at) AS last_updated
		FROM gene_annotations
		GROUP BY source
		ORDER BY source`

	if err = r.db.SelectContext(ctx, &coverage, query); err != nil {
		return nil, errors.NewInternalError("failed to compute annotation coverage").WithCause(err)
	}
	return coverage, nil
}

// RunRepository persists pipeline run history
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// Save inserts or updates a run
func (r *RunRepository) Save(ctx context.Context, run *types.Run) (err error) {
	ctx, done := r.db.observe(ctx, "upsert", "pipeline_runs")
	defer func() { done(err) }()

	query := `
		INSERT INTO pipeline_runs (id, mode, status, sources, summary, error, started_at, finished_at)
		VALUES (:id, :mode, :status, :sources, :summary, :error, :started_at, :finished_at)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			summary = EXCLUDED.summary,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`

	if _, err = r.db.NamedExecContext(ctx, query, run); err != nil {
		return errors.NewInternalError("failed to save pipeline run").WithCause(err).
			WithDetail("run_id", run.ID.String())
	}
	return nil
}

// Get returns a run by ID
func (r *RunRepository) Get(ctx context.Context, id uuid.UUID) (run *types.Run, err error) {
	ctx, done := r.db.observe(ctx, "select", "pipeline_runs")
	defer func() { done(err) }()

	var result types.Run
	query := `
		SELECT id, mode, status, sources, summary, error, started_at, finished_at
		FROM pipeline_runs WHERE id = $1`

	if err = r.db.GetContext(ctx, &result, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("pipeline run")
		}
		return nil, errors.NewInternalError("failed to get pipeline run").WithCause(err)
	}
	return &result, nil
}

// List returns the most recent runs
func (r *RunRepository) List(ctx context.Context, limit int) (runs []*types.Run, err error) {
	ctx, done := r.db.observe(ctx, "select", "pipeline_runs")
	defer func() { done(err) }()

	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
		SELECT id, mode, status, sources, summary, error, started_at, finished_at
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1`

	if err = r.db.SelectContext(ctx, &runs, query, limit); err != nil {
		return nil, errors.NewInternalError("failed to list pipeline runs").WithCause(err)
	}
	return runs, nil
}
