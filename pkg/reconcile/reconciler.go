// Package reconcile decides what happens when an incoming schema meets
// the catalog. Depending on the configured compatibility mode, schema
// drift is fatal (exact), tolerated (existing), or migrated forward
// (update). Reconciliation for a given type name happens at most once per
// reconciler lifetime; the result is cached.
package reconcile

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/catalog"
	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
	"github.com/geosink/geosink/pkg/metrics"
)

// Action is the outcome of reconciling an incoming schema.
type Action int

const (
	// ActionCreated means the schema was absent and has been created
	ActionCreated Action = iota
	// ActionNoop means the catalog schema already matches
	ActionNoop
	// ActionWarned means drift was tolerated; extra incoming attributes
	// are dropped at write time
	ActionWarned
	// ActionMigrated means the catalog schema was updated and cached
	// write channels for the type were invalidated
	ActionMigrated
)

// String returns a human-readable action name.
func (a Action) String() string {
	switch a {
	case ActionCreated:
		return "created"
	case ActionNoop:
		return "noop"
	case ActionWarned:
		return "warned"
	case ActionMigrated:
		return "migrated"
	default:
		return "unknown"
	}
}

// Invalidator drains cached write channels for a type name. The writer
// pool implements it; migrated schemas leave pooled handles bound to a
// stale layout.
type Invalidator interface {
	Invalidate(typeName string)
}

// result caches a reconciliation outcome per type name.
type result struct {
	action Action
	err    error
}

// Reconciler applies the configured compatibility policy to every schema
// a pipeline instance encounters. Safe for concurrent use; racing callers
// for the same new type name are serialized so the schema is created once.
type Reconciler struct {
	catalog     catalog.Catalog
	mode        feature.CompatibilityMode
	invalidator Invalidator
	logger      *zap.Logger
	collector   *metrics.Collector

	mu      sync.Mutex
	results map[string]result
	locks   map[string]*sync.Mutex
}

// New creates a reconciler bound to a catalog and compatibility mode.
// The invalidator may be nil when no pool caching is in effect.
func New(cat catalog.Catalog, mode feature.CompatibilityMode, invalidator Invalidator, logger *zap.Logger, collector *metrics.Collector) *Reconciler {
	return &Reconciler{
		catalog:     cat,
		mode:        mode,
		invalidator: invalidator,
		logger:      logger.With(zap.String("component", "reconciler")),
		collector:   collector,
		results:     make(map[string]result),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Reconcile compares the incoming schema against the catalog and applies
// the configured policy. The first call per type name does the work;
// later calls return the cached outcome.
func (r *Reconciler) Reconcile(ctx context.Context, incoming *feature.Schema) (Action, error) {
	lock := r.typeLock(incoming.TypeName)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	if cached, ok := r.results[incoming.TypeName]; ok {
		r.mu.Unlock()
		return cached.action, cached.err
	}
	r.mu.Unlock()

	action, err := r.reconcile(ctx, incoming)

	r.mu.Lock()
	r.results[incoming.TypeName] = result{action: action, err: err}
	r.mu.Unlock()

	return action, err
}

// typeLock returns the mutex serializing reconciliation of one type name.
func (r *Reconciler) typeLock(typeName string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[typeName]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[typeName] = lock
	}
	return lock
}

func (r *Reconciler) reconcile(ctx context.Context, incoming *feature.Schema) (Action, error) {
	store, err := r.catalog.GetSchema(ctx, incoming.TypeName)
	switch {
	case err == nil:
		return r.reconcileExisting(ctx, incoming, store)
	case catalog.IsNotFound(err):
		return r.create(ctx, incoming)
	default:
		return ActionNoop, errors.Wrap(err, errors.ErrorTypeStoreUnavailable, "schema lookup failed").
			WithDetail("type_name", incoming.TypeName)
	}
}

// create registers a brand-new schema. A concurrent creator winning the
// race is tolerated: the catalog's conflict error is swallowed and the
// freshly stored schema is reconciled instead.
func (r *Reconciler) create(ctx context.Context, incoming *feature.Schema) (Action, error) {
	err := r.catalog.CreateSchema(ctx, incoming)
	if err == nil {
		r.logger.Info("schema created",
			zap.String("type_name", incoming.TypeName),
			zap.String("schema", incoming.String()))
		r.collector.SchemaCreated()
		return ActionCreated, nil
	}

	if catalog.IsConflict(err) {
		store, getErr := r.catalog.GetSchema(ctx, incoming.TypeName)
		if getErr != nil {
			return ActionNoop, errors.Wrap(getErr, errors.ErrorTypeStoreUnavailable,
				"schema lookup failed after create race").
				WithDetail("type_name", incoming.TypeName)
		}
		return r.reconcileExisting(ctx, incoming, store)
	}

	return ActionNoop, errors.Wrap(err, errors.ErrorTypeStoreUnavailable, "schema creation failed").
		WithDetail("type_name", incoming.TypeName)
}

func (r *Reconciler) reconcileExisting(ctx context.Context, incoming, store *feature.Schema) (Action, error) {
	switch incoming.Compare(store) {
	case feature.SchemasIdentical:
		return ActionNoop, nil

	case feature.SchemasConflicting:
		return ActionNoop, errors.Newf(errors.ErrorTypeSchemaIncompatible,
			"schema %q conflicts with the catalog definition", incoming.TypeName).
			WithDetail("type_name", incoming.TypeName).
			WithDetail("from", store.String()).
			WithDetail("to", incoming.String())

	default:
		return r.drift(ctx, incoming, store)
	}
}

// drift handles compatible divergence between incoming and store schemas.
func (r *Reconciler) drift(ctx context.Context, incoming, store *feature.Schema) (Action, error) {
	switch r.mode {
	case feature.CompatibilityExact:
		return ActionNoop, errors.Newf(errors.ErrorTypeSchemaDrift,
			"schema %q drifted from the catalog under exact compatibility: %s -> %s",
			incoming.TypeName, store.String(), incoming.String()).
			WithDetail("type_name", incoming.TypeName).
			WithDetail("from", store.String()).
			WithDetail("to", incoming.String())

	case feature.CompatibilityExisting:
		r.logger.Warn("schema drift tolerated; writing only attributes the catalog schema recognizes",
			zap.String("type_name", incoming.TypeName),
			zap.String("catalog_schema", store.String()),
			zap.String("incoming_schema", incoming.String()))
		return ActionWarned, nil

	case feature.CompatibilityUpdate:
		merged := incoming.Union(store)
		if merged.Fingerprint() == store.Fingerprint() {
			// Subset drift adds nothing under forward-only migration
			return ActionNoop, nil
		}
		if err := r.catalog.UpdateSchema(ctx, incoming.TypeName, merged); err != nil {
			return ActionNoop, errors.Wrap(err, errors.ErrorTypeSchemaDrift, "schema migration failed").
				WithDetail("type_name", incoming.TypeName).
				WithDetail("from", store.String()).
				WithDetail("to", merged.String())
		}
		if r.invalidator != nil {
			r.invalidator.Invalidate(incoming.TypeName)
		}
		r.logger.Info("schema migrated",
			zap.String("type_name", incoming.TypeName),
			zap.String("from", store.String()),
			zap.String("to", merged.String()))
		r.collector.SchemaMigrated()
		return ActionMigrated, nil

	default:
		return ActionNoop, errors.Newf(errors.ErrorTypeConfig,
			"unknown compatibility mode %q", r.mode)
	}
}
