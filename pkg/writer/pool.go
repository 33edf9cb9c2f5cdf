// Package writer manages write-channel lifecycle for the ingest pipeline.
// Three composable pool variants are provided: EphemeralPool (open/close
// per borrow), CachedPool (per-type idle pools with timeout eviction and
// explicit invalidation), and UpsertPool (a decorator whose handles update
// a matching stored feature or fall back to append).
//
// Borrow and Return must be balanced on every exit path: a handle is
// exclusively owned by its borrower, and the idle pool is the sole owner
// of handles not currently borrowed.
package writer

import (
	"context"

	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/catalog"
	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/metrics"
)

// Pool hands out write channels keyed by type name. Implementations are
// safe for concurrent use by multiple pipeline instances.
type Pool interface {
	// Borrow obtains a write channel for the type name. The caller owns
	// the handle until Return.
	Borrow(ctx context.Context, typeName string) (catalog.FeatureWriter, error)

	// Return gives a borrowed handle back. It must be called exactly
	// once per Borrow, on every exit path, success or failure.
	Return(w catalog.FeatureWriter) error

	// Invalidate drains and closes cached handles for a type name.
	// Handles borrowed before invalidation finish their write and are
	// destroyed on return instead of being recycled.
	Invalidate(typeName string)

	// Close drains and closes all handles. The pool is unusable after
	// Close; the catalog connection itself stays open for its owner to
	// dispose.
	Close() error
}

// EphemeralPool opens a fresh append channel per borrow and closes it on
// return. Used when writer caching is disabled: simplest behavior, highest
// per-record overhead.
type EphemeralPool struct {
	catalog   catalog.Catalog
	logger    *zap.Logger
	collector *metrics.Collector
}

// NewEphemeralPool creates a pool without caching.
func NewEphemeralPool(cat catalog.Catalog, logger *zap.Logger, collector *metrics.Collector) *EphemeralPool {
	return &EphemeralPool{
		catalog:   cat,
		logger:    logger.With(zap.String("component", "ephemeral_pool")),
		collector: collector,
	}
}

// Borrow implements Pool.
func (p *EphemeralPool) Borrow(ctx context.Context, typeName string) (catalog.FeatureWriter, error) {
	w, err := p.catalog.OpenAppendWriter(ctx, typeName)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWrite, "failed to open append writer").
			WithDetail("type_name", typeName)
	}
	p.collector.WriterCreated()
	return w, nil
}

// Return implements Pool.
func (p *EphemeralPool) Return(w catalog.FeatureWriter) error {
	if w == nil {
		return errors.New(errors.ErrorTypeInternal, "returned a nil writer")
	}
	return w.Close()
}

// Invalidate implements Pool. Nothing is cached, so nothing to drain.
func (p *EphemeralPool) Invalidate(string) {}

// Close implements Pool.
func (p *EphemeralPool) Close() error {
	return nil
}
