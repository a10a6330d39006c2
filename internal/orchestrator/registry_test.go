package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/resilience"
)

func TestRegistry_Register(t *testing.T) {
	r, err := NewRegistry(newFakeSource("ensembl"), newFakeSource("uniprot"))
	require.NoError(t, err)
	assert.Equal(t, []string{"ensembl", "uniprot"}, r.Names())

	err = r.Register(newFakeSource("Ensembl"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	tests := []struct {
		name string
		src  *fakeSource
	}{
		{name: "nil source", src: nil},
		{name: "empty name", src: newFakeSource("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.src == nil {
				err = r.Register(nil)
			} else {
				err = r.Register(tt.src)
			}
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		})
	}
}

func TestRegistry_GetIgnoresCase(t *testing.T) {
	src := newFakeSource("ensembl")
	r, err := NewRegistry(src)
	require.NoError(t, err)

	got, err := r.Get("ENSEMBL")
	require.NoError(t, err)
	assert.Same(t, src, got)

	_, err = r.Get("refseq")
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, r.Unregister("Ensembl"))
	assert.Empty(t, r.Names())
	assert.True(t, errors.IsNotFound(r.Unregister("ensembl")))
}

func TestRegistry_Resolve(t *testing.T) {
	inactive := newFakeSource("refseq")
	inactive.active = false
	r, err := NewRegistry(newFakeSource("uniprot"), newFakeSource("ensembl"), inactive)
	require.NoError(t, err)

	all, err := r.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ensembl", "uniprot"}, names(all))

	picked, err := r.Resolve([]string{"UniProt", " uniprot ", "refseq"})
	require.NoError(t, err)
	assert.Equal(t, []string{"uniprot", "refseq"}, names(picked), "explicit names include inactive sources")

	_, err = r.Resolve([]string{"ensembl", "kegg"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), "kegg")
}

func TestRegistry_CircuitStates(t *testing.T) {
	open := newFakeSource("uniprot")
	open.state = resilience.StateOpen
	r, err := NewRegistry(newFakeSource("ensembl"), open)
	require.NoError(t, err)

	assert.Equal(t, map[string]resilience.CircuitState{
		"ensembl": resilience.StateClosed,
		"uniprot": resilience.StateOpen,
	}, r.CircuitStates())
}
