// Package catalog defines the storage-engine adapter for geosink.
// A Catalog exposes the store's schema directory (lookup, create, update)
// and its write/query channels. Two adapters are provided: an in-process
// MemoryCatalog and a PostgreSQL-backed PostgresCatalog.
//
// Catalog implementations must be safe for concurrent use: multiple
// pipeline instances may share one catalog connection and its writer
// pools.
package catalog

import (
	"context"
	"fmt"

	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
)

// FeatureWriter is an open, single-purpose write channel bound to exactly
// one type name. A writer is exclusively owned by its current holder and
// must be closed exactly once.
type FeatureWriter interface {
	// Write persists a single feature
	Write(ctx context.Context, f *feature.Feature) error

	// TypeName returns the type name the writer is bound to
	TypeName() string

	// Close releases the channel. Writers are not reusable after Close.
	Close() error
}

// FeatureIterator iterates query results. Callers must Close it.
type FeatureIterator interface {
	Next() bool
	Feature() *feature.Feature
	Err() error
	Close() error
}

// Filter is a single-attribute equality lookup. An empty Attribute means
// the filter matches on the feature's own identifier.
type Filter struct {
	Attribute string
	Value     interface{}
}

// String renders the filter for log and error context.
func (f Filter) String() string {
	if f.Attribute == "" {
		return fmt.Sprintf("id = %v", f.Value)
	}
	return fmt.Sprintf("%s = %v", f.Attribute, f.Value)
}

// Matches reports whether a feature satisfies the filter.
func (f Filter) Matches(ft *feature.Feature) bool {
	if f.Attribute == "" {
		return ft.ID == fmt.Sprint(f.Value)
	}
	v, ok := ft.Attributes[f.Attribute]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == fmt.Sprint(f.Value)
}

// Catalog is the storage engine's schema directory plus its write and
// query channels.
type Catalog interface {
	// GetSchema looks up the persisted schema for a type name. A missing
	// schema is reported with a not_found error (see IsNotFound).
	GetSchema(ctx context.Context, typeName string) (*feature.Schema, error)

	// CreateSchema persists a new schema. An existing schema for the
	// same type name is reported with a conflict error (see IsConflict).
	CreateSchema(ctx context.Context, schema *feature.Schema) error

	// UpdateSchema replaces the persisted schema for a type name.
	// Migrations are forward-only; implementations only add attributes.
	UpdateSchema(ctx context.Context, typeName string, schema *feature.Schema) error

	// OpenAppendWriter opens a new append channel for a type name
	OpenAppendWriter(ctx context.Context, typeName string) (FeatureWriter, error)

	// Query returns features matching the filter
	Query(ctx context.Context, typeName string, filter Filter) (FeatureIterator, error)

	// Replace overwrites the stored feature with the given identifier
	Replace(ctx context.Context, typeName string, id string, f *feature.Feature) error

	// Dispose releases the underlying connection. The catalog is not
	// usable after Dispose.
	Dispose() error
}

// IsNotFound reports whether err marks a missing schema or feature.
func IsNotFound(err error) bool {
	return errors.IsType(err, errors.ErrorTypeNotFound)
}

// IsConflict reports whether err marks a schema that already exists.
func IsConflict(err error) bool {
	return errors.IsType(err, errors.ErrorTypeConflict)
}
