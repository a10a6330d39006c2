package ensembl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/NikhilSetiya/annotation-enrichment/internal/sources"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
)

const (
	// SourceName is the registry name of the Ensembl source
	SourceName = "ensembl"

	// MaxBatchSize is the symbol limit of the Ensembl batch lookup endpoint
	MaxBatchSize = 1000

	defaultSpecies = "homo_sapiens"
)

// Source annotates genes with Ensembl gene models
type Source struct {
	*sources.Base
	species string
}

// New creates an Ensembl source
func New(opts sources.Options) (*Source, error) {
	if opts.Config.BatchSize <= 0 || opts.Config.BatchSize > MaxBatchSize {
		opts.Config.BatchSize = MaxBatchSize
	}

	s := &Source{
		species: opts.Config.Option("species", defaultSpecies),
	}
	base, err := sources.NewBase(opts, s.Validate)
	if err != nil {
		return nil, err
	}
	s.Base = base
	return s, nil
}

// Validate requires a stable gene ID and at least one transcript
func (s *Source) Validate(rec *annotation.Record) bool {
	if !annotation.ValidateRecord(rec) {
		return false
	}
	return rec.Payload.HasString("gene_id") && rec.Payload.HasNonEmptyList("transcripts")
}

// FetchOne looks up a single symbol
func (s *Source) FetchOne(ctx context.Context, gene annotation.Gene) (*annotation.Record, error) {
	return s.Base.FetchOne(ctx, gene, s.lookupSymbol)
}

// FetchBatch looks up symbols through the batch endpoint
func (s *Source) FetchBatch(ctx context.Context, genes []annotation.Gene) (*annotation.BatchResult, error) {
	return s.Base.FetchBatch(ctx, genes, s.lookupSymbols)
}

func (s *Source) lookupSymbol(ctx context.Context, gene annotation.Gene) (*annotation.Record, error) {
	endpoint := fmt.Sprintf("%s/lookup/symbol/%s/%s?expand=1",
		strings.TrimRight(s.Config().BaseURL, "/"),
		url.PathEscape(s.species),
		url.PathEscape(strings.TrimSpace(gene.Symbol)))

	resp, err := s.Do(ctx, sources.Request{
		Build: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			return req, nil
		},
		NotFound: isNotFound,
	})
	if err != nil {
		return nil, err
	}

	var payload lookupGene
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, errors.NewParseError(SourceName, err)
	}
	return payload.record(), nil
}

func (s *Source) lookupSymbols(ctx context.Context, chunk []annotation.Gene) (map[string]*annotation.Record, error) {
	symbols := make([]string, 0, len(chunk))
	for _, gene := range chunk {
		symbols = append(symbols, strings.TrimSpace(gene.Symbol))
	}
	body, err := json.Marshal(map[string][]string{"symbols": symbols})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode batch request").WithCause(err)
	}

	endpoint := fmt.Sprintf("%s/lookup/symbol/%s?expand=1",
		strings.TrimRight(s.Config().BaseURL, "/"),
		url.PathEscape(s.species))

	resp, err := s.Do(ctx, sources.Request{
		Build: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			return req, nil
		},
	})
	if err != nil {
		return nil, err
	}

	// symbols without a match come back as null or are omitted
	var found map[string]*lookupGene
	if err := json.Unmarshal(resp.Body, &found); err != nil {
		return nil, errors.NewParseError(SourceName, err)
	}

	records := make(map[string]*annotation.Record, len(found))
	for symbol, gene := range found {
		if gene == nil {
			continue
		}
		records[symbol] = gene.record()
	}
	return records, nil
}

// isNotFound matches the lookup endpoint's answer for unknown symbols
func isNotFound(status int, body []byte) bool {
	if status == http.StatusNotFound {
		return true
	}
	if status != http.StatusBadRequest {
		return false
	}
	var msg struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(msg.Error), "no valid lookup found")
}

type lookupGene struct {
	ID                  string       `json:"id"`
	DisplayName         string       `json:"display_name"`
	Description         string       `json:"description"`
	Biotype             string       `json:"biotype"`
	Species             string       `json:"species"`
	AssemblyName        string       `json:"assembly_name"`
	SeqRegionName       string       `json:"seq_region_name"`
	Start               int64        `json:"start"`
	End                 int64        `json:"end"`
	Strand              int          `json:"strand"`
	Version             int          `json:"version"`
	CanonicalTranscript string       `json:"canonical_transcript"`
	Transcripts         []transcript `json:"Transcript"`
}

type transcript struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"display_name"`
	Biotype     string       `json:"biotype"`
	Start       int64        `json:"start"`
	End         int64        `json:"end"`
	IsCanonical int          `json:"is_canonical"`
	Exons       []struct{}   `json:"Exon"`
	Translation *translation `json:"Translation"`
}

type translation struct {
	ID     string `json:"id"`
	Length int    `json:"length"`
}

// record normalizes a lookup response into a payload
func (g *lookupGene) record() *annotation.Record {
	transcripts := make([]interface{}, 0, len(g.Transcripts))
	for _, t := range g.Transcripts {
		entry := map[string]interface{}{
			"id":           t.ID,
			"name":         t.DisplayName,
			"biotype":      t.Biotype,
			"start":        t.Start,
			"end":          t.End,
			"is_canonical": t.IsCanonical == 1,
			"exon_count":   len(t.Exons),
		}
		if t.Translation != nil {
			entry["protein_id"] = t.Translation.ID
			entry["protein_length"] = t.Translation.Length
		}
		transcripts = append(transcripts, entry)
	}

	payload := annotation.Payload{
		"gene_id":              g.ID,
		"symbol":               g.DisplayName,
		"description":          g.Description,
		"biotype":              g.Biotype,
		"species":              g.Species,
		"assembly":             g.AssemblyName,
		"chromosome":           g.SeqRegionName,
		"start":                g.Start,
		"end":                  g.End,
		"strand":               g.Strand,
		"canonical_transcript": g.CanonicalTranscript,
		"transcript_count":     len(transcripts),
		"transcripts":          transcripts,
	}

	// <stable id>.<version>, e.g. ENSG00000012048.23
	var version string
	if g.Version > 0 && g.ID != "" {
		version = g.ID + "." + strconv.Itoa(g.Version)
	}
	return &annotation.Record{Payload: payload, Version: version}
}
