package catalog

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
)

// MemoryCatalog is an in-process catalog backend. It is the default for
// tests and dry runs and exercises the same contract as external backends.
type MemoryCatalog struct {
	tables   map[string]*memTable
	disposed bool
	mu       sync.RWMutex
	logger   *zap.Logger

	// Writer accounting, used to verify borrow/return balance
	writersOpened int64
	writersClosed int64
}

// memTable holds one type name's schema and stored features.
type memTable struct {
	schema *feature.Schema
	// features by id, plus insertion order for deterministic queries
	features map[string]*feature.Feature
	order    []string
	mu       sync.RWMutex
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog(logger *zap.Logger) *MemoryCatalog {
	return &MemoryCatalog{
		tables: make(map[string]*memTable),
		logger: logger.With(zap.String("component", "memory_catalog")),
	}
}

func (c *MemoryCatalog) table(typeName string) (*memTable, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.disposed {
		return nil, errors.New(errors.ErrorTypeConnection, "catalog disposed")
	}
	t, ok := c.tables[typeName]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "schema %q not found", typeName)
	}
	return t, nil
}

// GetSchema implements Catalog.
func (c *MemoryCatalog) GetSchema(_ context.Context, typeName string) (*feature.Schema, error) {
	t, err := c.table(typeName)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.schema.Clone(), nil
}

// CreateSchema implements Catalog.
func (c *MemoryCatalog) CreateSchema(_ context.Context, schema *feature.Schema) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errors.New(errors.ErrorTypeConnection, "catalog disposed")
	}
	if _, exists := c.tables[schema.TypeName]; exists {
		return errors.Newf(errors.ErrorTypeConflict, "schema %q already exists", schema.TypeName)
	}
	c.tables[schema.TypeName] = &memTable{
		schema:   schema.Clone(),
		features: make(map[string]*feature.Feature),
	}
	c.logger.Debug("schema created", zap.String("type_name", schema.TypeName))
	return nil
}

// UpdateSchema implements Catalog.
func (c *MemoryCatalog) UpdateSchema(_ context.Context, typeName string, schema *feature.Schema) error {
	t, err := c.table(typeName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schema = schema.Clone()
	c.logger.Debug("schema updated",
		zap.String("type_name", typeName),
		zap.Int("attributes", len(schema.Attributes)))
	return nil
}

// OpenAppendWriter implements Catalog.
func (c *MemoryCatalog) OpenAppendWriter(_ context.Context, typeName string) (FeatureWriter, error) {
	if _, err := c.table(typeName); err != nil {
		return nil, err
	}
	atomic.AddInt64(&c.writersOpened, 1)
	return &memWriter{catalog: c, typeName: typeName}, nil
}

// Query implements Catalog.
func (c *MemoryCatalog) Query(_ context.Context, typeName string, filter Filter) (FeatureIterator, error) {
	t, err := c.table(typeName)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []*feature.Feature
	for _, id := range t.order {
		f := t.features[id]
		if filter.Matches(f) {
			matches = append(matches, f)
		}
	}
	return &memIterator{matches: matches, pos: -1}, nil
}

// Replace implements Catalog.
func (c *MemoryCatalog) Replace(_ context.Context, typeName string, id string, f *feature.Feature) error {
	t, err := c.table(typeName)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.features[id]; !exists {
		return errors.Newf(errors.ErrorTypeNotFound, "feature %q not found in %q", id, typeName)
	}

	// Same schema filtering as the append path: attributes outside the
	// current schema are dropped, not stored
	stored := feature.Feature{
		ID:         id,
		TypeName:   typeName,
		Attributes: make(map[string]interface{}, len(f.Attributes)),
		Geometry:   f.Geometry,
		Visibility: f.Visibility,
		UserData:   f.UserData,
		Timestamp:  f.Timestamp,
	}
	for _, attr := range t.schema.Attributes {
		if v, ok := f.Attributes[attr.Name]; ok {
			stored.Attributes[attr.Name] = v
		}
	}
	t.features[id] = &stored
	return nil
}

// Dispose implements Catalog.
func (c *MemoryCatalog) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	c.tables = make(map[string]*memTable)
	c.logger.Debug("catalog disposed")
	return nil
}

// Count returns the number of stored features for a type name.
func (c *MemoryCatalog) Count(typeName string) int {
	t, err := c.table(typeName)
	if err != nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.features)
}

// WriterStats returns the numbers of writers opened and closed so far.
func (c *MemoryCatalog) WriterStats() (opened, closed int64) {
	return atomic.LoadInt64(&c.writersOpened), atomic.LoadInt64(&c.writersClosed)
}

// memWriter is an append channel into a MemoryCatalog table.
type memWriter struct {
	catalog  *MemoryCatalog
	typeName string
	closed   bool
	mu       sync.Mutex
}

// Write stores the feature, keeping only attributes the current schema
// recognizes. Extra attributes from drifted incoming schemas are dropped
// here, which is what the "existing" compatibility mode relies on.
func (w *memWriter) Write(_ context.Context, f *feature.Feature) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New(errors.ErrorTypeWrite, "writer is closed")
	}
	w.mu.Unlock()

	t, err := w.catalog.table(w.typeName)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeWrite, "append failed")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	stored := feature.Feature{
		ID:         f.ID,
		TypeName:   w.typeName,
		Attributes: make(map[string]interface{}, len(f.Attributes)),
		Geometry:   f.Geometry,
		Visibility: f.Visibility,
		UserData:   f.UserData,
		Timestamp:  f.Timestamp,
	}
	for _, attr := range t.schema.Attributes {
		if v, ok := f.Attributes[attr.Name]; ok {
			stored.Attributes[attr.Name] = v
		}
	}

	if _, exists := t.features[f.ID]; !exists {
		t.order = append(t.order, f.ID)
	}
	t.features[f.ID] = &stored
	return nil
}

func (w *memWriter) TypeName() string {
	return w.typeName
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New(errors.ErrorTypeWrite, "writer already closed")
	}
	w.closed = true
	atomic.AddInt64(&w.catalog.writersClosed, 1)
	return nil
}

// memIterator walks a materialized result set.
type memIterator struct {
	matches []*feature.Feature
	pos     int
}

func (it *memIterator) Next() bool {
	it.pos++
	return it.pos < len(it.matches)
}

func (it *memIterator) Feature() *feature.Feature {
	f := *it.matches[it.pos]
	return &f
}

func (it *memIterator) Err() error { return nil }

func (it *memIterator) Close() error { return nil }
