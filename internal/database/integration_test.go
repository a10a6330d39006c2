//go:build integration

package database

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/types"
)

// Run with: INTEGRATION_TESTS=1 go test -tags=integration ./internal/database
func setupDB(t *testing.T) *DB {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}

	port, _ := strconv.Atoi(getEnvOrDefault("TEST_DB_PORT", "5432"))
	cfg := &config.DatabaseConfig{
		Host:            getEnvOrDefault("TEST_DB_HOST", "localhost"),
		Port:            port,
		Name:            getEnvOrDefault("TEST_DB_NAME", "annotations_test"),
		User:            getEnvOrDefault("TEST_DB_USER", "annotations"),
		Password:        getEnvOrDefault("TEST_DB_PASSWORD", "annotations"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
		MigrationsPath:  "../../migrations",
	}

	migrator, err := NewMigrator(cfg)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	status, err := migrator.Status()
	require.NoError(t, err)
	assert.False(t, status.Dirty)
	require.NoError(t, migrator.Close())

	db, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.ExecContext(context.Background(), `TRUNCATE genes, gene_annotations, pipeline_runs CASCADE`)
		db.Close()
	})
	return db
}

func TestAnnotationRepositoryIntegration(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()

	genes := NewGeneRepository(db)
	annotations := NewAnnotationRepository(db)

	require.NoError(t, genes.Upsert(ctx, annotation.Gene{ID: "HGNC:11998", Symbol: "TP53"}))
	require.NoError(t, genes.Upsert(ctx, annotation.Gene{ID: "HGNC:1100", Symbol: "BRCA1"}))

	gene, err := genes.Get(ctx, "tp53")
	require.NoError(t, err)
	assert.Equal(t, "HGNC:11998", gene.ID)

	missing, err := genes.ListMissing(ctx, "ensembl", 0)
	require.NoError(t, err)
	assert.Len(t, missing, 2)

	rec := &annotation.Record{GeneID: "HGNC:11998", Source: "ensembl", Payload: annotation.Payload{"gene_id": "ENSG00000141510"}, Version: "18"}
	require.NoError(t, annotations.Upsert(ctx, rec))

	rec.Payload = annotation.Payload{"gene_id": "ENSG00000141510", "biotype": "protein_coding"}
	rec.Version = "19"
	rec.UpdatedAt = time.Now().UTC()
	require.NoError(t, annotations.Upsert(ctx, rec))

	stored, err := annotations.Get(ctx, "HGNC:11998", "ensembl")
	require.NoError(t, err)
	assert.Equal(t, "19", stored.Version)
	assert.Equal(t, "protein_coding", stored.Payload.String("biotype"))

	list, err := annotations.ListByGene(ctx, "HGNC:11998")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	missing, err = genes.ListMissing(ctx, "ensembl", 0)
	require.NoError(t, err)
	assert.Equal(t, []annotation.Gene{{ID: "HGNC:1100", Symbol: "BRCA1"}}, missing)

	_, err = annotations.Get(ctx, "HGNC:1100", "ensembl")
	assert.True(t, errors.IsNotFound(err))
}

func TestRunRepositoryIntegration(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	runs := NewRunRepository(db)

	run := types.NewRun(types.RunModeFull, []string{"ensembl", "uniprot"})
	require.NoError(t, runs.Save(ctx, run))

	run.Status = types.RunStatusCompleted
	run.Summary.Sources["ensembl"] = &types.SourceOutcome{Source: "ensembl", Updated: 3}
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	require.NoError(t, runs.Save(ctx, run))

	stored, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.Summary.Sources["ensembl"].Updated)
	assert.Equal(t, []string{"ensembl", "uniprot"}, []string(stored.Sources))

	list, err := runs.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
