package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/tracing"
)

// PrefixAnnotation prefixes every annotation cache key
const PrefixAnnotation = "annotations"

// Backend is the key-value store behind the cache
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
}

// Config holds cache configuration
type Config struct {
	DefaultTTL time.Duration `json:"default_ttl"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() *Config {
	return &Config{DefaultTTL: 24 * time.Hour}
}

// Service caches annotation records per (gene, source)
type Service struct {
	backend Backend
	config  *Config
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
	logger  *logging.Logger
}

// NewService creates a new cache service
func NewService(backend Backend, config *Config, m *metrics.Metrics, ts *tracing.TracingService) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	return &Service{
		backend: backend,
		config:  config,
		metrics: m,
		tracer:  ts,
		logger:  logging.GetLogger(),
	}
}

// CacheKey generates cache keys with consistent prefixes
type CacheKey struct {
	GeneID string
	Source string
}

// String returns the formatted cache key. The gene ID is wrapped in braces
// so a gene's keys share a cluster slot and never collide with a longer ID.
func (ck CacheKey) String() string {
	return fmt.Sprintf("%s:{%s}:%s", PrefixAnnotation, ck.GeneID, strings.ToLower(ck.Source))
}

// genePattern matches every cached source of a gene
func genePattern(geneID string) string {
	return fmt.Sprintf("%s:{%s}:*", PrefixAnnotation, escapeGlob(geneID))
}

// Get returns the cached record. A miss is a not-found error.
func (s *Service) Get(ctx context.Context, geneID, source string) (*annotation.Record, error) {
	key := CacheKey{GeneID: geneID, Source: source}
	ctx, span := s.tracer.StartCacheSpan(ctx, "get", key.String())
	defer span.End()

	start := time.Now()
	data, err := s.backend.Get(ctx, key.String())
	s.metrics.RecordCacheOperation("get", time.Since(start))
	if err != nil {
		if errors.IsNotFound(err) {
			s.metrics.RecordCacheLookup(false)
			return nil, errors.NewNotFoundError("cached annotation")
		}
		s.tracer.RecordError(span, err)
		return nil, errors.NewInternalError("failed to get cached annotation").WithCause(err)
	}

	var rec annotation.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		// drop the unreadable entry so the next read goes to the store
		if _, delErr := s.backend.Del(ctx, key.String()); delErr != nil {
			s.logger.LogError(ctx, delErr, "Corrupt annotation cache entry not dropped", logrus.Fields{"gene_id": geneID, "source": source})
		}
		s.metrics.RecordCacheLookup(false)
		return nil, errors.NewNotFoundError("cached annotation")
	}

	s.metrics.RecordCacheLookup(true)
	return &rec, nil
}

// Set caches a record. A zero ttl uses the default.
func (s *Service) Set(ctx context.Context, rec *annotation.Record, ttl time.Duration) error {
	key := CacheKey{GeneID: rec.GeneID, Source: rec.Source}
	ctx, span := s.tracer.StartCacheSpan(ctx, "set", key.String())
	defer span.End()

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value").WithCause(err)
	}

	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	start := time.Now()
	err = s.backend.Set(ctx, key.String(), string(data), ttl)
	s.metrics.RecordCacheOperation("set", time.Since(start))
	if err != nil {
		s.tracer.RecordError(span, err)
		return errors.NewInternalError("failed to set cache value").WithCause(err)
	}
	return nil
}

// InvalidateGene removes every cached source record of a gene
func (s *Service) InvalidateGene(ctx context.Context, geneID string) error {
	pattern := genePattern(geneID)
	ctx, span := s.tracer.StartCacheSpan(ctx, "invalidate", pattern)
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordCacheOperation("invalidate", time.Since(start)) }()

	keys, err := s.backend.ScanKeys(ctx, pattern)
	if err != nil {
		s.tracer.RecordError(span, err)
		return errors.NewInternalError("failed to find cached annotations").WithCause(err).
			WithDetail("gene_id", geneID)
	}
	if len(keys) == 0 {
		return nil
	}

	if _, err := s.backend.Del(ctx, keys...); err != nil {
		s.tracer.RecordError(span, err)
		return errors.NewInternalError("failed to delete cached annotations").WithCause(err).
			WithDetail("gene_id", geneID)
	}

	s.logger.WithContext(ctx).WithFields(logrus.Fields{
		"gene_id": geneID,
		"keys":    len(keys),
	}).Debug("Invalidated cached annotations")
	return nil
}

// GetOrLoad returns the cached record or loads and caches it. Cache failures
// fall through to load; only load errors are returned.
func (s *Service) GetOrLoad(ctx context.Context, geneID, source string, ttl time.Duration, load func(ctx context.Context) (*annotation.Record, error)) (*annotation.Record, error) {
	rec, err := s.Get(ctx, geneID, source)
	if err == nil {
		return rec, nil
	}
	if !errors.IsNotFound(err) {
		s.logger.LogError(ctx, err, "Annotation cache read failed", logrus.Fields{"gene_id": geneID, "source": source})
	}

	rec, err = load(ctx)
	if err != nil {
		return nil, err
	}

	if setErr := s.Set(ctx, rec, ttl); setErr != nil {
		s.logger.LogError(ctx, setErr, "Annotation cache write failed", logrus.Fields{"gene_id": geneID, "source": source})
	}
	return rec, nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
