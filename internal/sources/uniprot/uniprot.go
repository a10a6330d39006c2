package uniprot

import (
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
	// SourceName is the registry name of the UniProt source
	SourceName = "uniprot"

	// MaxBatchSize bounds the number of gene terms in one search query
	MaxBatchSize = 100

	maxPageSize   = 500
	defaultTaxon  = "9606"
	defaultFields = "accession,id,gene_names,protein_name,organism_name,organism_id,length,mass,cc_function,cc_subcellular_location,keyword,xref_pdb"
)

// Source annotates genes with reviewed UniProtKB protein entries
type Source struct {
	*sources.Base
	taxon    string
	fields   string
	reviewed bool
}

// New creates a UniProt source
func New(opts sources.Options) (*Source, error) {
	if opts.Config.BatchSize <= 0 || opts.Config.BatchSize > MaxBatchSize {
		opts.Config.BatchSize = MaxBatchSize
	}

	s := &Source{
		taxon:    opts.Config.Option("taxon", defaultTaxon),
		fields:   opts.Config.Option("fields", defaultFields),
		reviewed: opts.Config.Option("reviewed", "true") == "true",
	}
	base, err := sources.NewBase(opts, s.Validate)
	if err != nil {
		return nil, err
	}
	s.Base = base
	return s, nil
}

// Validate requires an accession and an entry name
func (s *Source) Validate(rec *annotation.Record) bool {
	if !annotation.ValidateRecord(rec) {
		return false
	}
	return rec.Payload.HasString("accession") && rec.Payload.HasString("entry_name")
}

// FetchOne searches for the entry of a single gene
func (s *Source) FetchOne(ctx context.Context, gene annotation.Gene) (*annotation.Record, error) {
	return s.Base.FetchOne(ctx, gene, func(ctx context.Context, gene annotation.Gene) (*annotation.Record, error) {
		records, err := s.search(ctx, []annotation.Gene{gene})
		if err != nil {
			return nil, err
		}
		for symbol, rec := range records {
			if annotation.NormalizeSymbol(symbol) == gene.Key() {
				return rec, nil
			}
		}
		return nil, nil
	})
}

// FetchBatch searches for many genes, one query per chunk
func (s *Source) FetchBatch(ctx context.Context, genes []annotation.Gene) (*annotation.BatchResult, error) {
	return s.Base.FetchBatch(ctx, genes, s.search)
}

// search runs one search query and maps every returned entry to each gene
// name it carries. When two entries share a name the first one is kept.
func (s *Source) search(ctx context.Context, genes []annotation.Gene) (map[string]*annotation.Record, error) {
	params := url.Values{}
	params.Set("query", s.query(genes))
	params.Set("fields", s.fields)
	params.Set("format", "json")
	params.Set("size", strconv.Itoa(min(maxPageSize, max(len(genes)*5, 25))))
	endpoint := fmt.Sprintf("%s/uniprotkb/search?%s", strings.TrimRight(s.Config().BaseURL, "/"), params.Encode())

	resp, err := s.Do(ctx, sources.Request{
		Build: func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			return req, nil
		},
	})
	if err != nil {
		return nil, err
	}

	var page searchResponse
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, errors.NewParseError(SourceName, err)
	}

	// Primary names of every entry are mapped before any synonym, so a
	// symbol that is one entry's name and another's synonym goes to the
	// entry that names it.
	entries := make([]*annotation.Record, len(page.Results))
	for i := range page.Results {
		entries[i] = page.Results[i].record()
	}
	records := make(map[string]*annotation.Record)
	for _, names := range []func(*entry) []string{(*entry).geneNames, (*entry).synonyms} {
		for i := range page.Results {
			for _, name := range names(&page.Results[i]) {
				key := annotation.NormalizeSymbol(name)
				if _, taken := records[key]; !taken {
					records[key] = entries[i]
				}
			}
		}
	}
	return records, nil
}

func (s *Source) query(genes []annotation.Gene) string {
	terms := make([]string, 0, len(genes))
	for _, gene := range genes {
		terms = append(terms, "gene_exact:"+quote(strings.TrimSpace(gene.Symbol)))
	}

	clauses := []string{"(" + strings.Join(terms, " OR ") + ")"}
	if s.taxon != "" {
		clauses = append(clauses, "organism_id:"+s.taxon)
	}
	if s.reviewed {
		clauses = append(clauses, "reviewed:true")
	}
	return strings.Join(clauses, " AND ")
}

// quote wraps symbols containing query syntax characters
func quote(symbol string) string {
	if strings.ContainsAny(symbol, " -:()\"") {
		return strconv.Quote(symbol)
	}
	return symbol
}

type searchResponse struct {
	Results []entry `json:"results"`
}

type value struct {
	Value string `json:"value"`
}

type entry struct {
	PrimaryAccession string `json:"primaryAccession"`
	UniProtkbID      string `json:"uniProtkbId"`
	EntryType        string `json:"entryType"`
	EntryAudit       struct {
		EntryVersion    int    `json:"entryVersion"`
		SequenceVersion int    `json:"sequenceVersion"`
		LastUpdateDate  string `json:"lastAnnotationUpdateDate"`
	} `json:"entryAudit"`
	Organism struct {
		ScientificName string `json:"scientificName"`
		TaxonID        int    `json:"taxonId"`
	} `json:"organism"`
	ProteinDescription struct {
		RecommendedName *struct {
			FullName value `json:"fullName"`
		} `json:"recommendedName"`
	} `json:"proteinDescription"`
	Genes []struct {
		GeneName *value  `json:"geneName"`
		Synonyms []value `json:"synonyms"`
	} `json:"genes"`
	Sequence struct {
		Length    int `json:"length"`
		MolWeight int `json:"molWeight"`
	} `json:"sequence"`
	Comments []struct {
		CommentType string  `json:"commentType"`
		Texts       []value `json:"texts"`
	} `json:"comments"`
	Keywords []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Category string `json:"category"`
	} `json:"keywords"`
	CrossReferences []struct {
		Database string `json:"database"`
		ID       string `json:"id"`
	} `json:"uniProtKBCrossReferences"`
}

// geneNames returns the primary names of the entry, first gene first
func (e *entry) geneNames() []string {
	names := make([]string, 0, len(e.Genes))
	for _, gene := range e.Genes {
		if gene.GeneName != nil && gene.GeneName.Value != "" {
			names = append(names, gene.GeneName.Value)
		}
	}
	return names
}

// synonyms returns the gene synonyms of the entry in listed order
func (e *entry) synonyms() []string {
	var names []string
	for _, gene := range e.Genes {
		for _, synonym := range gene.Synonyms {
			if synonym.Value != "" {
				names = append(names, synonym.Value)
			}
		}
	}
	return names
}

func (e *entry) record() *annotation.Record {
	var synonyms []interface{}
	for _, name := range e.synonyms() {
		synonyms = append(synonyms, name)
	}

	var functions []interface{}
	for _, comment := range e.Comments {
		if comment.CommentType != "FUNCTION" {
			continue
		}
		for _, text := range comment.Texts {
			functions = append(functions, text.Value)
		}
	}

	keywords := make([]interface{}, 0, len(e.Keywords))
	for _, keyword := range e.Keywords {
		keywords = append(keywords, keyword.Name)
	}

	var structures []interface{}
	for _, xref := range e.CrossReferences {
		if xref.Database == "PDB" {
			structures = append(structures, xref.ID)
		}
	}

	var proteinName string
	if e.ProteinDescription.RecommendedName != nil {
		proteinName = e.ProteinDescription.RecommendedName.FullName.Value
	}

	names := e.geneNames()
	var primary string
	if len(names) > 0 {
		primary = names[0]
	}

	payload := annotation.Payload{
		"accession":      e.PrimaryAccession,
		"entry_name":     e.UniProtkbID,
		"reviewed":       strings.Contains(strings.ToLower(e.EntryType), "reviewed") && !strings.Contains(strings.ToLower(e.EntryType), "unreviewed"),
		"gene_name":      primary,
		"gene_synonyms":  synonyms,
		"protein_name":   proteinName,
		"organism":       e.Organism.ScientificName,
		"taxon_id":       e.Organism.TaxonID,
		"length":         e.Sequence.Length,
		"mass":           e.Sequence.MolWeight,
		"function":       functions,
		"keywords":       keywords,
		"pdb_structures": structures,
		"last_updated":   e.EntryAudit.LastUpdateDate,
	}

	var version string
	if e.EntryAudit.EntryVersion > 0 {
		version = strconv.Itoa(e.EntryAudit.EntryVersion)
	}
	return &annotation.Record{Payload: payload, Version: version}
}
