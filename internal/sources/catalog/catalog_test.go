package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/annotation-enrichment/internal/sources"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
)

const sourcesYAML = `
sources:
  - name: ensembl
    base_url: https://rest.ensembl.org
    requests_per_second: 15
    batch_size: 1000
  - name: UniProt
    base_url: https://rest.uniprot.org
    requests_per_second: 10
    batch_size: 100
  - name: ensembl_grch37
    base_url: https://grch37.rest.ensembl.org
    requests_per_second: 15
    batch_size: 1000
    active: false
`

func TestBuild(t *testing.T) {
	cfg, err := config.ParseSources([]byte(sourcesYAML))
	require.NoError(t, err)

	built, err := Build(cfg, sources.Options{})
	require.NoError(t, err)
	require.Len(t, built, 2)
	assert.Equal(t, "ensembl", built[0].Name())
	assert.Equal(t, "UniProt", built[1].Name())
}

func TestNewUnknownSource(t *testing.T) {
	_, err := New(sources.Options{Config: config.SourceConfig{Name: "clinvar"}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestKnown(t *testing.T) {
	assert.Equal(t, []string{"ensembl", "uniprot"}, Known())
}
