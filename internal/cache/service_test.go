package cache

import (
	"bytes"
	"context"
	stderrors "errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/metrics"
)

type memoryBackend struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	scanErr error
	delErr  error
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *memoryBackend) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return "", errors.NewNotFoundError("Redis key")
	}
	return value, nil
}

func (m *memoryBackend) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	m.ttls[key] = expiration
	return nil
}

func (m *memoryBackend) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return 0, m.delErr
	}
	var n int64
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

func (m *memoryBackend) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	var keys []string
	for key := range m.data {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func record(geneID, source string) *annotation.Record {
	return &annotation.Record{
		GeneID:  geneID,
		Source:  source,
		Payload: annotation.Payload{"id": geneID + "-" + source},
		Version: "1",
	}
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "annotations:{HGNC:11998}:ensembl", CacheKey{GeneID: "HGNC:11998", Source: "Ensembl"}.String())
	assert.Equal(t, `annotations:{G\*1}:*`, genePattern("G*1"))
}

func TestSetAndGet(t *testing.T) {
	backend := newMemoryBackend()
	svc := NewService(backend, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, record("g1", "ensembl"), 0))
	assert.Equal(t, 24*time.Hour, backend.ttls["annotations:{g1}:ensembl"])

	rec, err := svc.Get(ctx, "g1", "ensembl")
	require.NoError(t, err)
	assert.Equal(t, "g1-ensembl", rec.Payload.String("id"))

	_, err = svc.Get(ctx, "g1", "uniprot")
	assert.True(t, errors.IsNotFound(err))
}

func TestGetDropsCorruptEntries(t *testing.T) {
	backend := newMemoryBackend()
	backend.data["annotations:{g1}:ensembl"] = "{not json"
	svc := NewService(backend, nil, nil, nil)

	_, err := svc.Get(context.Background(), "g1", "ensembl")
	assert.True(t, errors.IsNotFound(err))
	assert.NotContains(t, backend.data, "annotations:{g1}:ensembl")
}

func TestGetLogsFailedCorruptEntryDrop(t *testing.T) {
	previous := logging.GetLogger()
	t.Cleanup(func() { logging.SetGlobalLogger(previous) })
	logger, err := logging.NewLogger(&logging.Config{Level: "info", Format: "json"})
	require.NoError(t, err)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logging.SetGlobalLogger(logger)

	backend := newMemoryBackend()
	backend.data["annotations:{g1}:ensembl"] = "{not json"
	backend.delErr = stderrors.New("READONLY replica")
	svc := NewService(backend, nil, nil, nil)

	_, err = svc.Get(context.Background(), "g1", "ensembl")
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, buf.String(), "Corrupt annotation cache entry not dropped")
	assert.Contains(t, buf.String(), "READONLY replica")
	assert.Contains(t, buf.String(), `"gene_id":"g1"`)
}

func TestInvalidateGene(t *testing.T) {
	backend := newMemoryBackend()
	svc := NewService(backend, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, record("g1", "ensembl"), time.Hour))
	require.NoError(t, svc.Set(ctx, record("g1", "uniprot"), time.Hour))
	require.NoError(t, svc.Set(ctx, record("g10", "ensembl"), time.Hour))

	require.NoError(t, svc.InvalidateGene(ctx, "g1"))

	_, err := svc.Get(ctx, "g1", "ensembl")
	assert.True(t, errors.IsNotFound(err))
	_, err = svc.Get(ctx, "g1", "uniprot")
	assert.True(t, errors.IsNotFound(err))

	_, err = svc.Get(ctx, "g10", "ensembl")
	assert.NoError(t, err, "other genes keep their entries")

	assert.NoError(t, svc.InvalidateGene(ctx, "unknown"))
}

func TestInvalidateGeneScanFailure(t *testing.T) {
	backend := newMemoryBackend()
	backend.scanErr = stderrors.New("connection reset")
	svc := NewService(backend, nil, nil, nil)

	err := svc.InvalidateGene(context.Background(), "g1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInternal))
}

func TestGetOrLoad(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true, Registry: registry})
	svc := NewService(newMemoryBackend(), nil, m, nil)
	ctx := context.Background()

	loads := 0
	load := func(ctx context.Context) (*annotation.Record, error) {
		loads++
		return record("g1", "ensembl"), nil
	}

	for i := 0; i < 3; i++ {
		rec, err := svc.GetOrLoad(ctx, "g1", "ensembl", time.Hour, load)
		require.NoError(t, err)
		assert.Equal(t, "g1", rec.GeneID)
	}

	assert.Equal(t, 1, loads)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("miss")))

	_, err := svc.GetOrLoad(ctx, "g2", "ensembl", time.Hour, func(ctx context.Context) (*annotation.Record, error) {
		return nil, errors.NewNotFoundError("annotation")
	})
	assert.True(t, errors.IsNotFound(err))
}
