package ensembl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/annotation-enrichment/internal/sources"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
)

func newTestSource(t *testing.T, baseURL string, mutate ...func(*config.SourceConfig)) *Source {
	t.Helper()
	cfg := config.SourceConfig{
		Name:                    SourceName,
		BaseURL:                 baseURL,
		RequestsPerSecond:       1000,
		BatchSize:               100,
		MaxRetries:              1,
		RetryInitialDelay:       time.Millisecond,
		RetryMaxDelay:           5 * time.Millisecond,
		RequestTimeout:          time.Second,
		CircuitBreakerThreshold: 100,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(sources.Options{Config: cfg})
	require.NoError(t, err)
	return s
}

func geneJSON(symbol string) map[string]interface{} {
	return map[string]interface{}{
		"id":              "ENSG_" + symbol,
		"display_name":    symbol,
		"biotype":         "protein_coding",
		"seq_region_name": "17",
		"start":           7661779,
		"end":             7687538,
		"strand":          -1,
		"version":         19,
		"Transcript": []map[string]interface{}{
			{
				"id":           "ENST_" + symbol,
				"display_name": symbol + "-201",
				"biotype":      "protein_coding",
				"is_canonical": 1,
				"Exon":         []map[string]interface{}{{"id": "E1"}, {"id": "E2"}},
				"Translation":  map[string]interface{}{"id": "ENSP_" + symbol, "length": 393},
			},
		},
	}
}

func makeGenes(n int) []annotation.Gene {
	genes := make([]annotation.Gene, n)
	for i := range genes {
		genes[i] = annotation.Gene{ID: fmt.Sprintf("g%d", i), Symbol: fmt.Sprintf("GENE%d", i)}
	}
	return genes
}

func TestFetchBatchIsolatesFailingChunk(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/lookup/symbol/homo_sapiens", r.URL.Path)

		var body struct {
			Symbols []string `json:"symbols"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, symbol := range body.Symbols {
			if symbol == "GENE300" {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}

		resp := make(map[string]interface{}, len(body.Symbols))
		for _, symbol := range body.Symbols {
			resp[symbol] = geneJSON(symbol)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	s := newTestSource(t, server.URL)

	result, err := s.FetchBatch(context.Background(), makeGenes(571))
	require.NoError(t, err)

	assert.Equal(t, 6, result.ChunksTotal)
	assert.Equal(t, 1, result.ChunksFailed)
	assert.Len(t, result.Records, 471)
	assert.Len(t, result.FailedGenes, 100)
	assert.Equal(t, 1, result.Retries)
	// 5 good chunks plus two attempts for the failing one
	assert.Equal(t, int32(7), requests.Load())

	rec := result.Records["g0"]
	require.NotNil(t, rec)
	assert.Equal(t, SourceName, rec.Source)
	assert.Equal(t, "ENSG_GENE0", rec.Payload.String("gene_id"))
	assert.Equal(t, "ENSG_GENE0.19", rec.Version)
}

func TestFetchBatchOmittedSymbolsAreNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tp53": ` + mustJSON(t, geneJSON("TP53")) + `, "FAKE1": null}`))
	}))
	defer server.Close()

	s := newTestSource(t, server.URL)
	genes := []annotation.Gene{{ID: "g1", Symbol: "TP53"}, {ID: "g2", Symbol: "FAKE1"}, {ID: "g3", Symbol: "FAKE2"}}

	result, err := s.FetchBatch(context.Background(), genes)
	require.NoError(t, err)
	assert.Len(t, result.Records, 1)
	assert.Contains(t, result.Records, "g1")
	assert.Len(t, result.NotFound, 2)
}

func TestFetchOne(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("expand"))
		switch r.URL.Path {
		case "/lookup/symbol/homo_sapiens/BRCA2":
			json.NewEncoder(w).Encode(geneJSON("BRCA2"))
		case "/lookup/symbol/homo_sapiens/NOPE":
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"No valid lookup found for symbol NOPE"}`))
		case "/lookup/symbol/homo_sapiens/BARE":
			gene := geneJSON("BARE")
			delete(gene, "Transcript")
			json.NewEncoder(w).Encode(gene)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	s := newTestSource(t, server.URL)

	rec, err := s.FetchOne(context.Background(), annotation.Gene{ID: "g1", Symbol: "BRCA2"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "g1", rec.GeneID)
	assert.Equal(t, "17", rec.Payload.String("chromosome"))
	assert.True(t, rec.Payload.HasNonEmptyList("transcripts"))

	rec, err = s.FetchOne(context.Background(), annotation.Gene{ID: "g2", Symbol: "NOPE"})
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = s.FetchOne(context.Background(), annotation.Gene{ID: "g3", Symbol: "BARE"})
	require.NoError(t, err)
	assert.Nil(t, rec, "records without transcripts are invalid")
}

func TestFetchOneRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(geneJSON("EGFR"))
	}))
	defer server.Close()

	s := newTestSource(t, server.URL, func(c *config.SourceConfig) { c.MaxRetries = 3 })

	rec, err := s.FetchOne(context.Background(), annotation.Gene{ID: "g1", Symbol: "EGFR"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(2), s.Stats().Retries)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchOneMalformedBodyIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"id": `))
	}))
	defer server.Close()

	s := newTestSource(t, server.URL, func(c *config.SourceConfig) { c.MaxRetries = 3 })

	_, err := s.FetchOne(context.Background(), annotation.Gene{ID: "g1", Symbol: "EGFR"})
	require.Error(t, err)
	assert.Equal(t, "PARSE_ERROR", errors.GetCode(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewCapsBatchSize(t *testing.T) {
	s := newTestSource(t, "http://localhost", func(c *config.SourceConfig) { c.BatchSize = 5000 })
	assert.Equal(t, MaxBatchSize, s.Config().BatchSize)

	unset := newTestSource(t, "http://localhost", func(c *config.SourceConfig) { c.BatchSize = 0 })
	assert.Equal(t, MaxBatchSize, unset.Config().BatchSize)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(http.StatusNotFound, nil))
	assert.True(t, isNotFound(http.StatusBadRequest, []byte(`{"error":"No valid lookup found for symbol X"}`)))
	assert.False(t, isNotFound(http.StatusBadRequest, []byte(`{"error":"malformed species"}`)))
	assert.False(t, isNotFound(http.StatusBadRequest, []byte(`not json`)))
	assert.False(t, isNotFound(http.StatusInternalServerError, nil))
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return strings.TrimSpace(string(raw))
}

func TestRecordVersionTag(t *testing.T) {
	g := lookupGene{ID: "ENSG00000012048", Version: 23}
	assert.Equal(t, "ENSG00000012048.23", g.record().Version)

	unversioned := lookupGene{ID: "ENSG00000012048"}
	assert.Empty(t, unversioned.record().Version)
}
