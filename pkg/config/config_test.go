package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := NewIngestConfig("flights")
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "exact", cfg.Schema.CompatibilityMode)
	assert.Equal(t, WriteModeAppend, cfg.Writer.Mode)
	assert.True(t, cfg.Writer.CachingEnabled)
	assert.Equal(t, 1000, cfg.Batch.Size)
	assert.Equal(t, 100, cfg.Batch.MaxConsecutiveReadFailures)
	assert.Equal(t, CatalogMemory, cfg.Catalog.Kind)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*IngestConfig)
	}{
		{"empty name", func(c *IngestConfig) { c.Name = "" }},
		{"zero batch size", func(c *IngestConfig) { c.Batch.Size = 0 }},
		{"zero read failure cap", func(c *IngestConfig) { c.Batch.MaxConsecutiveReadFailures = 0 }},
		{"unknown write mode", func(c *IngestConfig) { c.Writer.Mode = "replace" }},
		{"unknown compatibility mode", func(c *IngestConfig) { c.Schema.CompatibilityMode = "strict" }},
		{"zero idle timeout with caching", func(c *IngestConfig) { c.Writer.CacheIdleTimeout = 0 }},
		{"zero idle bound with caching", func(c *IngestConfig) { c.Writer.MaxIdlePerType = 0 }},
		{"postgres without dsn", func(c *IngestConfig) { c.Catalog.Kind = CatalogPostgres }},
		{"unknown catalog kind", func(c *IngestConfig) { c.Catalog.Kind = "cassandra" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewIngestConfig("flights")
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("GEOSINK_TEST_DSN", "postgres://ingest@db/features")

	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := `
name: flights
catalog:
  kind: postgres
  dsn: ${GEOSINK_TEST_DSN}
  connect_timeout: 5s
writer:
  mode: append
  caching_enabled: true
  cache_idle_timeout: 1m
  max_idle_per_type: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "flights", cfg.Name)
	assert.Equal(t, "postgres://ingest@db/features", cfg.Catalog.DSN)
	assert.Equal(t, 5*time.Second, cfg.Catalog.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.Writer.CacheIdleTimeout)
	assert.Equal(t, 1000, cfg.Batch.Size, "omitted sections keep their defaults")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")

	cfg := NewIngestConfig("flights")
	cfg.Schema.CompatibilityMode = "update"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
