package writer

import (
	"context"

	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/catalog"
	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
)

// UpsertPool decorates another pool with modify semantics. Borrowed
// handles look up an existing stored feature through the catalog; exactly
// one match is overwritten in place, no match falls back to the wrapped
// append handle, and multiple matches update the first with a warning
// that the filter was not selective.
type UpsertPool struct {
	delegate Pool
	catalog  catalog.Catalog

	// uniqueIDAttribute names the attribute used to build lookup
	// filters. Empty means the feature's own identifier is used.
	uniqueIDAttribute string

	logger *zap.Logger
}

// NewUpsertPool wraps a pool with upsert write semantics.
func NewUpsertPool(delegate Pool, cat catalog.Catalog, uniqueIDAttribute string, logger *zap.Logger) *UpsertPool {
	return &UpsertPool{
		delegate:          delegate,
		catalog:           cat,
		uniqueIDAttribute: uniqueIDAttribute,
		logger:            logger.With(zap.String("component", "upsert_pool")),
	}
}

// Borrow implements Pool. The returned composite handle wraps an append
// handle borrowed from the delegate.
func (p *UpsertPool) Borrow(ctx context.Context, typeName string) (catalog.FeatureWriter, error) {
	appendWriter, err := p.delegate.Borrow(ctx, typeName)
	if err != nil {
		return nil, err
	}
	return &upsertWriter{
		pool:   p,
		append: appendWriter,
	}, nil
}

// Return implements Pool. The wrapped append handle goes back to the
// delegate pool.
func (p *UpsertPool) Return(w catalog.FeatureWriter) error {
	uw, ok := w.(*upsertWriter)
	if !ok {
		if w == nil {
			return errors.New(errors.ErrorTypeInternal, "returned a nil writer")
		}
		_ = w.Close()
		return errors.New(errors.ErrorTypeInternal, "returned writer was not borrowed from this pool")
	}
	return p.delegate.Return(uw.append)
}

// Invalidate implements Pool.
func (p *UpsertPool) Invalidate(typeName string) {
	p.delegate.Invalidate(typeName)
}

// Close implements Pool.
func (p *UpsertPool) Close() error {
	return p.delegate.Close()
}

// upsertWriter is a composite handle wrapping a borrowed append handle.
type upsertWriter struct {
	pool   *UpsertPool
	append catalog.FeatureWriter
}

// Write implements catalog.FeatureWriter with update-or-insert semantics.
func (w *upsertWriter) Write(ctx context.Context, f *feature.Feature) error {
	filter := w.lookupFilter(f)
	typeName := w.append.TypeName()

	matches, err := w.findMatches(ctx, typeName, filter)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "upsert lookup failed").
			WithDetail("type_name", typeName).
			WithDetail("filter", filter.String())
	}

	switch len(matches) {
	case 0:
		// No stored feature matched; insert
		return w.append.Write(ctx, f)
	case 1:
	default:
		w.pool.logger.Warn("upsert filter matched multiple features; updating the first",
			zap.String("type_name", typeName),
			zap.String("filter", filter.String()),
			zap.Int("matches", len(matches)))
	}

	if err := w.pool.catalog.Replace(ctx, typeName, matches[0], f); err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "upsert replace failed").
			WithDetail("type_name", typeName).
			WithDetail("filter", filter.String())
	}
	return nil
}

func (w *upsertWriter) TypeName() string {
	return w.append.TypeName()
}

// Close closes the wrapped append handle. Handles borrowed from the pool
// should be returned through Return instead.
func (w *upsertWriter) Close() error {
	return w.append.Close()
}

// lookupFilter builds the match filter: the configured unique-identifier
// attribute when set, else the feature's own identifier.
func (w *upsertWriter) lookupFilter(f *feature.Feature) catalog.Filter {
	if attr := w.pool.uniqueIDAttribute; attr != "" {
		return catalog.Filter{Attribute: attr, Value: f.Attributes[attr]}
	}
	return catalog.Filter{Value: f.ID}
}

// findMatches collects the identifiers of stored features satisfying the
// filter.
func (w *upsertWriter) findMatches(ctx context.Context, typeName string, filter catalog.Filter) ([]string, error) {
	it, err := w.pool.catalog.Query(ctx, typeName, filter)
	if err != nil {
		return nil, err
	}
	defer it.Close() //nolint:errcheck

	var ids []string
	for it.Next() {
		ids = append(ids, it.Feature().ID)
	}
	return ids, it.Err()
}
