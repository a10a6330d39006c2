package uniprot

import (
	"context"
	"encoding/json"
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
)

func newTestSource(t *testing.T, baseURL string, mutate ...func(*config.SourceConfig)) *Source {
	t.Helper()
	cfg := config.SourceConfig{
		Name:                    SourceName,
		BaseURL:                 baseURL,
		RequestsPerSecond:       1000,
		BatchSize:               50,
		MaxRetries:              3,
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

func entryJSON(accession, entryName string, names ...string) map[string]interface{} {
	genes := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		genes = append(genes, map[string]interface{}{"geneName": map[string]string{"value": name}})
	}
	return map[string]interface{}{
		"primaryAccession": accession,
		"uniProtkbId":      entryName,
		"entryType":        "UniProtKB reviewed (Swiss-Prot)",
		"entryAudit":       map[string]interface{}{"entryVersion": 301},
		"organism":         map[string]interface{}{"scientificName": "Homo sapiens", "taxonId": 9606},
		"proteinDescription": map[string]interface{}{
			"recommendedName": map[string]interface{}{"fullName": map[string]string{"value": "Cellular tumor antigen p53"}},
		},
		"genes":    genes,
		"sequence": map[string]interface{}{"length": 393, "molWeight": 43653},
		"comments": []map[string]interface{}{
			{"commentType": "FUNCTION", "texts": []map[string]string{{"value": "Acts as a tumor suppressor."}}},
		},
		"uniProtKBCrossReferences": []map[string]string{{"database": "PDB", "id": "1A1U"}},
	}
}

func TestFetchBatchEmptyResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": []}`))
	}))
	defer server.Close()

	s := newTestSource(t, server.URL)
	genes := []annotation.Gene{{ID: "g1", Symbol: "TP53"}, {ID: "g2", Symbol: "BRCA1"}}

	result, err := s.FetchBatch(context.Background(), genes)
	require.NoError(t, err)
	assert.Empty(t, result.Records)
	assert.Zero(t, result.ChunksFailed)
	assert.ElementsMatch(t, genes, result.NotFound)
}

func TestFetchBatchMapsEntriesToGeneNames(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uniprotkb/search", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		query = r.URL.Query().Get("query")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []interface{}{
				entryJSON("P04637", "P53_HUMAN", "TP53"),
				entryJSON("Q00000", "DUP_HUMAN", "tp53"),
				entryJSON("P38398", "BRCA1_HUMAN", "BRCA1"),
				entryJSON("", "BROKEN_HUMAN", "EGFR"),
			},
		})
	}))
	defer server.Close()

	s := newTestSource(t, server.URL)
	genes := []annotation.Gene{
		{ID: "g1", Symbol: "tp53"},
		{ID: "g2", Symbol: "BRCA1"},
		{ID: "g3", Symbol: "EGFR"},
	}

	result, err := s.FetchBatch(context.Background(), genes)
	require.NoError(t, err)

	assert.Contains(t, query, "gene_exact:tp53 OR gene_exact:BRCA1 OR gene_exact:EGFR")
	assert.Contains(t, query, "organism_id:9606")
	assert.Contains(t, query, "reviewed:true")

	require.Len(t, result.Records, 2)
	assert.Equal(t, "P04637", result.Records["g1"].Payload.String("accession"))
	assert.Equal(t, "P38398", result.Records["g2"].Payload.String("accession"))
	assert.Equal(t, "301", result.Records["g1"].Version)
	assert.Equal(t, 1, result.Invalid)
	assert.Equal(t, []annotation.Gene{genes[2]}, result.NotFound)
}

func TestFetchBatchMapsSynonymsAfterPrimaryNames(t *testing.T) {
	withSynonyms := entryJSON("P42771", "CDN2A_HUMAN", "CDKN2A")
	withSynonyms["genes"] = []map[string]interface{}{{
		"geneName": map[string]string{"value": "CDKN2A"},
		"synonyms": []map[string]string{{"value": "CDKN2"}, {"value": "MLM"}},
	}}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []interface{}{
				withSynonyms,
				entryJSON("Q00001", "CDKN2_HUMAN", "CDKN2"),
			},
		})
	}))
	defer server.Close()

	s := newTestSource(t, server.URL)
	genes := []annotation.Gene{
		{ID: "g1", Symbol: "mlm"},
		{ID: "g2", Symbol: "CDKN2"},
		{ID: "g3", Symbol: "CDKN2A"},
	}

	result, err := s.FetchBatch(context.Background(), genes)
	require.NoError(t, err)

	require.Len(t, result.Records, 3)
	assert.Equal(t, "P42771", result.Records["g1"].Payload.String("accession"))
	assert.Equal(t, "Q00001", result.Records["g2"].Payload.String("accession"))
	assert.Equal(t, "P42771", result.Records["g3"].Payload.String("accession"))
	assert.Empty(t, result.NotFound)
}

func TestFetchBatchChunksQueries(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		terms := strings.Count(r.URL.Query().Get("query"), "gene_exact:")
		assert.LessOrEqual(t, terms, 2)
		w.Write([]byte(`{"results": []}`))
	}))
	defer server.Close()

	s := newTestSource(t, server.URL, func(c *config.SourceConfig) { c.BatchSize = 2 })
	genes := []annotation.Gene{{ID: "1", Symbol: "A"}, {ID: "2", Symbol: "B"}, {ID: "3", Symbol: "C"}, {ID: "4", Symbol: "D"}, {ID: "5", Symbol: "E"}}

	result, err := s.FetchBatch(context.Background(), genes)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ChunksTotal)
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchOneRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []interface{}{entryJSON("P04637", "P53_HUMAN", "TP53")},
		})
	}))
	defer server.Close()

	s := newTestSource(t, server.URL)

	rec, err := s.FetchOne(context.Background(), annotation.Gene{ID: "g1", Symbol: "TP53"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "P53_HUMAN", rec.Payload.String("entry_name"))
	assert.Equal(t, "Cellular tumor antigen p53", rec.Payload.String("protein_name"))
	assert.Equal(t, true, rec.Payload["reviewed"])
	assert.Equal(t, uint64(2), s.Stats().Retries)
}

func TestFetchOneNoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []interface{}{entryJSON("P00001", "OTHER_HUMAN", "OTHER")},
		})
	}))
	defer server.Close()

	s := newTestSource(t, server.URL)

	rec, err := s.FetchOne(context.Background(), annotation.Gene{ID: "g1", Symbol: "TP53"})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestQueryOptions(t *testing.T) {
	s := newTestSource(t, "http://localhost", func(c *config.SourceConfig) {
		c.Options = map[string]string{"taxon": "10090", "reviewed": "false"}
	})

	q := s.query([]annotation.Gene{{Symbol: "Trp53"}, {Symbol: "HLA-A"}})
	assert.Equal(t, `(gene_exact:Trp53 OR gene_exact:"HLA-A") AND organism_id:10090`, q)
}

func TestNewCapsBatchSize(t *testing.T) {
	s := newTestSource(t, "http://localhost", func(c *config.SourceConfig) { c.BatchSize = 1000 })
	assert.Equal(t, MaxBatchSize, s.Config().BatchSize)

	unset := newTestSource(t, "http://localhost", func(c *config.SourceConfig) { c.BatchSize = 0 })
	assert.Equal(t, MaxBatchSize, unset.Config().BatchSize)
}
