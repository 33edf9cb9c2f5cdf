package reconcile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/geosink/geosink/pkg/catalog"
	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
	"github.com/geosink/geosink/pkg/testutil"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingInvalidator) Invalidate(typeName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typeName)
}

func (r *recordingInvalidator) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.types...)
}

func flightSchema() *feature.Schema {
	return &feature.Schema{
		TypeName: "flights",
		Attributes: []feature.AttributeDescriptor{
			{Name: "callsign", Type: feature.TypeString},
			{Name: "altitude", Type: feature.TypeInt},
		},
	}
}

func newReconciler(t *testing.T, mode feature.CompatibilityMode) (*Reconciler, *catalog.MemoryCatalog, *recordingInvalidator) {
	cat := catalog.NewMemoryCatalog(zaptest.NewLogger(t))
	inv := &recordingInvalidator{}
	r := New(cat, mode, inv, zaptest.NewLogger(t), nil)
	return r, cat, inv
}

func TestReconcileCreatesAbsentSchemaOnce(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	r, cat, _ := newReconciler(t, feature.CompatibilityExact)

	action, err := r.Reconcile(ctx, flightSchema())
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)

	// Later calls hit the cache, not the catalog
	action, err = r.Reconcile(ctx, flightSchema())
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action)

	got, err := cat.GetSchema(ctx, "flights")
	require.NoError(t, err)
	assert.Equal(t, flightSchema().Fingerprint(), got.Fingerprint())
}

func TestReconcileConcurrentCreateRace(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	cat := catalog.NewMemoryCatalog(zaptest.NewLogger(t))

	// Separate reconcilers share no result cache, so both race on the
	// catalog itself
	r1 := New(cat, feature.CompatibilityExact, nil, zaptest.NewLogger(t), nil)
	r2 := New(cat, feature.CompatibilityExact, nil, zaptest.NewLogger(t), nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, r := range []*Reconciler{r1, r2} {
		wg.Add(1)
		go func(i int, r *Reconciler) {
			defer wg.Done()
			_, errs[i] = r.Reconcile(ctx, flightSchema())
		}(i, r)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	got, err := cat.GetSchema(ctx, "flights")
	require.NoError(t, err)
	assert.Equal(t, flightSchema().Fingerprint(), got.Fingerprint())
}

func TestReconcileIdenticalIsNoop(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	r, cat, _ := newReconciler(t, feature.CompatibilityExact)
	require.NoError(t, cat.CreateSchema(ctx, flightSchema()))

	reordered := &feature.Schema{
		TypeName: "flights",
		Attributes: []feature.AttributeDescriptor{
			{Name: "altitude", Type: feature.TypeInt},
			{Name: "callsign", Type: feature.TypeString},
		},
	}
	action, err := r.Reconcile(ctx, reordered)
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, action)
}

func TestReconcileExactModeFailsOnDrift(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	r, cat, _ := newReconciler(t, feature.CompatibilityExact)
	require.NoError(t, cat.CreateSchema(ctx, flightSchema()))

	drifted := flightSchema()
	drifted.Attributes = append(drifted.Attributes,
		feature.AttributeDescriptor{Name: "origin", Type: feature.TypeString})

	_, err := r.Reconcile(ctx, drifted)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaDrift))

	// The catalog schema is untouched
	got, err := cat.GetSchema(ctx, "flights")
	require.NoError(t, err)
	assert.Equal(t, flightSchema().Fingerprint(), got.Fingerprint())
}

func TestReconcileExistingModeWarnsAndKeepsCatalogSchema(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	r, cat, inv := newReconciler(t, feature.CompatibilityExisting)
	require.NoError(t, cat.CreateSchema(ctx, flightSchema()))

	drifted := flightSchema()
	drifted.Attributes = append(drifted.Attributes,
		feature.AttributeDescriptor{Name: "origin", Type: feature.TypeString})

	action, err := r.Reconcile(ctx, drifted)
	require.NoError(t, err)
	assert.Equal(t, ActionWarned, action)

	got, err := cat.GetSchema(ctx, "flights")
	require.NoError(t, err)
	assert.Equal(t, flightSchema().Fingerprint(), got.Fingerprint())
	assert.Empty(t, inv.calls())
}

func TestReconcileUpdateModeMigratesAndInvalidates(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	r, cat, inv := newReconciler(t, feature.CompatibilityUpdate)
	require.NoError(t, cat.CreateSchema(ctx, flightSchema()))

	drifted := flightSchema()
	drifted.Attributes = append(drifted.Attributes,
		feature.AttributeDescriptor{Name: "origin", Type: feature.TypeString})

	action, err := r.Reconcile(ctx, drifted)
	require.NoError(t, err)
	assert.Equal(t, ActionMigrated, action)
	assert.Equal(t, []string{"flights"}, inv.calls())

	got, err := cat.GetSchema(ctx, "flights")
	require.NoError(t, err)
	assert.Equal(t, drifted.Fingerprint(), got.Fingerprint(),
		"purely additive migration should equal the incoming schema")
}

func TestReconcileUpdateModeSubsetIsNoop(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	r, cat, inv := newReconciler(t, feature.CompatibilityUpdate)
	require.NoError(t, cat.CreateSchema(ctx, flightSchema()))

	narrower := &feature.Schema{
		TypeName: "flights",
		Attributes: []feature.AttributeDescriptor{
			{Name: "callsign", Type: feature.TypeString},
		},
	}
	action, err := r.Reconcile(ctx, narrower)
	require.NoError(t, err)
	assert.Equal(t, ActionNoop, action)
	assert.Empty(t, inv.calls())

	got, err := cat.GetSchema(ctx, "flights")
	require.NoError(t, err)
	assert.Equal(t, flightSchema().Fingerprint(), got.Fingerprint())
}

func TestReconcileConflictingTypesAlwaysFail(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	for _, mode := range []feature.CompatibilityMode{
		feature.CompatibilityExact,
		feature.CompatibilityExisting,
		feature.CompatibilityUpdate,
	} {
		r, cat, _ := newReconciler(t, mode)
		require.NoError(t, cat.CreateSchema(ctx, flightSchema()))

		conflicting := &feature.Schema{
			TypeName: "flights",
			Attributes: []feature.AttributeDescriptor{
				{Name: "callsign", Type: feature.TypeString},
				{Name: "altitude", Type: feature.TypeString},
			},
		}
		_, err := r.Reconcile(ctx, conflicting)
		require.Error(t, err, "mode %s", mode)
		assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaIncompatible), "mode %s", mode)
	}
}

func TestReconcileCachesFailures(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	r, cat, _ := newReconciler(t, feature.CompatibilityExact)
	require.NoError(t, cat.CreateSchema(ctx, flightSchema()))

	drifted := flightSchema()
	drifted.Attributes = append(drifted.Attributes,
		feature.AttributeDescriptor{Name: "origin", Type: feature.TypeString})

	_, err1 := r.Reconcile(ctx, drifted)
	_, err2 := r.Reconcile(ctx, drifted)
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "created", ActionCreated.String())
	assert.Equal(t, "noop", ActionNoop.String())
	assert.Equal(t, "warned", ActionWarned.String())
	assert.Equal(t, "migrated", ActionMigrated.String())
	assert.Equal(t, "unknown", Action(99).String())
}
