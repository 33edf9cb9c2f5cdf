// Package config provides the unified configuration system for geosink.
// It defines a single IngestConfig structure covering the whole pipeline:
// record-to-feature mapping, schema compatibility policy, writer pooling,
// batching, the catalog backend, and observability.
//
// Example usage:
//
//	cfg := config.NewIngestConfig("flights")
//	cfg.Schema.CompatibilityMode = "update"
//	cfg.Writer.CachingEnabled = true
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// WriteMode selects the write path for a pipeline instance.
type WriteMode string

const (
	// WriteModeAppend always inserts a new record
	WriteModeAppend WriteMode = "append"
	// WriteModeModify updates an existing matching record or falls back
	// to append
	WriteModeModify WriteMode = "modify"
)

// CatalogKind selects the catalog backend.
type CatalogKind string

const (
	// CatalogMemory is the in-process catalog, used for tests and dry runs
	CatalogMemory CatalogKind = "memory"
	// CatalogPostgres is the PostgreSQL-backed catalog
	CatalogPostgres CatalogKind = "postgres"
)

// IngestConfig is the single configuration structure for a pipeline
// instance. It is applied once at startup and shared read-only afterwards.
type IngestConfig struct {
	// Name identifies the pipeline instance
	Name string `yaml:"name" json:"name"`

	// Mapping controls raw-record-to-feature conversion
	Mapping MappingConfig `yaml:"mapping" json:"mapping"`

	// Schema controls schema reconciliation policy
	Schema SchemaConfig `yaml:"schema" json:"schema"`

	// Writer controls write-channel pooling and the write path
	Writer WriterConfig `yaml:"writer" json:"writer"`

	// Batch controls per-batch record processing
	Batch BatchConfig `yaml:"batch" json:"batch"`

	// Catalog selects and configures the storage backend
	Catalog CatalogConfig `yaml:"catalog" json:"catalog"`

	// Observability settings for logging and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// MappingConfig contains raw-record-to-feature mapping options.
type MappingConfig struct {
	// FeatureIDColumn names the column supplying feature identifiers.
	// Empty means identifiers are generated.
	FeatureIDColumn string `yaml:"feature_id_column" json:"feature_id_column"`

	// UniqueIdentifierColumn names the attribute used to build upsert
	// lookup filters. Empty means the feature's own identifier is used.
	UniqueIdentifierColumn string `yaml:"unique_identifier_column" json:"unique_identifier_column"`

	// GeometryColumns names the columns that may carry the geometry
	// value, in priority order; the first one present in a record wins
	GeometryColumns []string `yaml:"geometry_columns" json:"geometry_columns"`

	// VisibilityColumn names the column carrying the visibility label
	VisibilityColumn string `yaml:"visibility_column" json:"visibility_column"`
}

// SchemaConfig contains schema reconciliation settings.
type SchemaConfig struct {
	// CompatibilityMode is one of exact, existing, update
	CompatibilityMode string `yaml:"compatibility_mode" json:"compatibility_mode"`
}

// WriterConfig contains write-channel settings.
type WriterConfig struct {
	// Mode is append or modify
	Mode WriteMode `yaml:"mode" json:"mode"`

	// CachingEnabled pools write channels across records instead of
	// opening one per record
	CachingEnabled bool `yaml:"caching_enabled" json:"caching_enabled"`

	// CacheIdleTimeout closes pooled channels idle longer than this
	CacheIdleTimeout time.Duration `yaml:"cache_idle_timeout" json:"cache_idle_timeout"`

	// MaxIdlePerType bounds the idle pool per type name. Unbounded
	// growth under high concurrency is a resource-exhaustion risk, so
	// the default is a small fixed bound rather than unlimited.
	MaxIdlePerType int `yaml:"max_idle_per_type" json:"max_idle_per_type"`
}

// BatchConfig contains per-batch processing settings.
type BatchConfig struct {
	// Size is the maximum number of records read per batch
	Size int `yaml:"size" json:"size"`

	// MaxConsecutiveReadFailures abandons the batch after this many
	// read errors in a row, guarding against a persistently failing
	// source stream
	MaxConsecutiveReadFailures int `yaml:"max_consecutive_read_failures" json:"max_consecutive_read_failures"`
}

// CatalogConfig contains storage backend settings.
type CatalogConfig struct {
	// Kind is memory or postgres
	Kind CatalogKind `yaml:"kind" json:"kind"`

	// DSN is the connection string for external backends
	DSN string `yaml:"dsn" json:"dsn"`

	// ConnectTimeout bounds the initial connection attempt
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// ObservabilityConfig contains logging and metrics settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`

	// EnableMetrics activates Prometheus metrics collection
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// NewIngestConfig creates an IngestConfig with production-ready defaults.
func NewIngestConfig(name string) *IngestConfig {
	return &IngestConfig{
		Name: name,
		Schema: SchemaConfig{
			CompatibilityMode: "exact",
		},
		Writer: WriterConfig{
			Mode:             WriteModeAppend,
			CachingEnabled:   true,
			CacheIdleTimeout: 5 * time.Minute,
			MaxIdlePerType:   8,
		},
		Batch: BatchConfig{
			Size:                       1000,
			MaxConsecutiveReadFailures: 100,
		},
		Catalog: CatalogConfig{
			Kind:           CatalogMemory,
			ConnectTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:      "info",
			EnableMetrics: true,
		},
	}
}

// Validate validates the configuration for correctness. It checks required
// fields and ensures values are within acceptable ranges.
func (c *IngestConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Batch.MaxConsecutiveReadFailures <= 0 {
		return fmt.Errorf("max_consecutive_read_failures must be positive")
	}
	switch c.Writer.Mode {
	case WriteModeAppend, WriteModeModify:
	default:
		return fmt.Errorf("unknown write mode %q", c.Writer.Mode)
	}
	switch c.Schema.CompatibilityMode {
	case "exact", "existing", "update", "":
	default:
		return fmt.Errorf("unknown schema compatibility mode %q", c.Schema.CompatibilityMode)
	}
	if c.Writer.CachingEnabled {
		if c.Writer.CacheIdleTimeout <= 0 {
			return fmt.Errorf("cache_idle_timeout must be positive when caching is enabled")
		}
		if c.Writer.MaxIdlePerType <= 0 {
			return fmt.Errorf("max_idle_per_type must be positive when caching is enabled")
		}
	}
	switch c.Catalog.Kind {
	case CatalogMemory:
	case CatalogPostgres:
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown catalog kind %q", c.Catalog.Kind)
	}
	return nil
}
