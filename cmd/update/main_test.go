package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/types"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"-mode", "missing", "-sources", "ensembl, uniprot", "-timeout", "10m"})
	require.NoError(t, err)
	assert.Equal(t, "missing", opts.mode)
	assert.Equal(t, []string{"ensembl", "uniprot"}, opts.sources)
	assert.Equal(t, 10*time.Minute, opts.timeout)

	opts, err = parseOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, string(types.RunModeMissing), opts.mode)
	assert.Empty(t, opts.sources)
}

func TestParseOptionsRejectsInvalidCombinations(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown mode", args: []string{"-mode", "weekly"}, want: "unknown mode"},
		{name: "gene without gene", args: []string{"-mode", "gene"}, want: "-gene is required"},
		{name: "full with sources", args: []string{"-mode", "full", "-sources", "ensembl"}, want: "cannot be combined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseOptions(tt.args)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(types.RunStatusCompleted))
	assert.Equal(t, exitPartial, exitCode(types.RunStatusPartial))
	assert.Equal(t, exitFailed, exitCode(types.RunStatusFailed))
	assert.Equal(t, exitFailed, exitCode(types.RunStatusCancelled))
}
