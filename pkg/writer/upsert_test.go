package writer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/geosink/geosink/pkg/catalog"
	"github.com/geosink/geosink/pkg/feature"
	"github.com/geosink/geosink/pkg/testutil"
)

func upsertCatalog(t *testing.T) *catalog.MemoryCatalog {
	t.Helper()
	cat := catalog.NewMemoryCatalog(zaptest.NewLogger(t))
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	require.NoError(t, cat.CreateSchema(ctx, &feature.Schema{
		TypeName: "sensors",
		Attributes: []feature.AttributeDescriptor{
			{Name: "serial", Type: feature.TypeString},
			{Name: "reading", Type: feature.TypeFloat},
		},
	}))
	return cat
}

func sensorFeature(id, serial string, reading float64) *feature.Feature {
	f := feature.NewFeature("sensors", id)
	f.SetAttribute("serial", serial)
	f.SetAttribute("reading", reading)
	return f
}

func TestUpsertAppendsWhenNothingMatches(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	cat := upsertCatalog(t)
	pool := NewUpsertPool(NewEphemeralPool(cat, zaptest.NewLogger(t), nil),
		cat, "serial", zaptest.NewLogger(t))
	defer func() { _ = pool.Close() }()

	w, err := pool.Borrow(ctx, "sensors")
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, sensorFeature("s-1", "SN100", 1.5)))
	require.NoError(t, pool.Return(w))

	assert.Equal(t, 1, cat.Count("sensors"))
}

func TestUpsertReplacesSingleMatch(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	cat := upsertCatalog(t)
	pool := NewUpsertPool(NewEphemeralPool(cat, zaptest.NewLogger(t), nil),
		cat, "serial", zaptest.NewLogger(t))
	defer func() { _ = pool.Close() }()

	w, err := pool.Borrow(ctx, "sensors")
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, sensorFeature("s-1", "SN100", 1.5)))
	require.NoError(t, w.Write(ctx, sensorFeature("s-2", "SN100", 2.5)))
	require.NoError(t, pool.Return(w))

	assert.Equal(t, 1, cat.Count("sensors"), "second write updates in place")

	it, err := cat.Query(ctx, "sensors", catalog.Filter{Attribute: "serial", Value: "SN100"})
	require.NoError(t, err)
	require.True(t, it.Next())
	v, _ := it.Feature().GetAttribute("reading")
	assert.Equal(t, 2.5, v)
	assert.Equal(t, "s-1", it.Feature().ID, "replacement keeps the stored identifier")
	assert.False(t, it.Next())
}

func TestUpsertMultipleMatchesUpdatesFirst(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	cat := upsertCatalog(t)

	// Seed two duplicates through a plain append channel
	aw, err := cat.OpenAppendWriter(ctx, "sensors")
	require.NoError(t, err)
	require.NoError(t, aw.Write(ctx, sensorFeature("s-1", "SN100", 1.0)))
	require.NoError(t, aw.Write(ctx, sensorFeature("s-2", "SN100", 2.0)))
	require.NoError(t, aw.Close())

	pool := NewUpsertPool(NewEphemeralPool(cat, zaptest.NewLogger(t), nil),
		cat, "serial", zaptest.NewLogger(t))
	defer func() { _ = pool.Close() }()

	w, err := pool.Borrow(ctx, "sensors")
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, sensorFeature("s-3", "SN100", 9.9)))
	require.NoError(t, pool.Return(w))

	assert.Equal(t, 2, cat.Count("sensors"), "no new feature is appended")

	it, err := cat.Query(ctx, "sensors", catalog.Filter{Value: "s-1"})
	require.NoError(t, err)
	require.True(t, it.Next())
	v, _ := it.Feature().GetAttribute("reading")
	assert.Equal(t, 9.9, v, "the first match is updated")

	it, err = cat.Query(ctx, "sensors", catalog.Filter{Value: "s-2"})
	require.NoError(t, err)
	require.True(t, it.Next())
	v, _ = it.Feature().GetAttribute("reading")
	assert.Equal(t, 2.0, v, "later matches are untouched")
}

func TestUpsertFallsBackToFeatureID(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	cat := upsertCatalog(t)
	pool := NewUpsertPool(NewEphemeralPool(cat, zaptest.NewLogger(t), nil),
		cat, "", zaptest.NewLogger(t))
	defer func() { _ = pool.Close() }()

	w, err := pool.Borrow(ctx, "sensors")
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, sensorFeature("s-1", "SN100", 1.0)))
	require.NoError(t, w.Write(ctx, sensorFeature("s-1", "SN200", 2.0)))
	require.NoError(t, pool.Return(w))

	assert.Equal(t, 1, cat.Count("sensors"))

	it, err := cat.Query(ctx, "sensors", catalog.Filter{Value: "s-1"})
	require.NoError(t, err)
	require.True(t, it.Next())
	v, _ := it.Feature().GetAttribute("serial")
	assert.Equal(t, "SN200", v)
}

func TestUpsertReturnHandsHandleBackToDelegate(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	cat := upsertCatalog(t)
	cached := NewCachedPool(cat, CachedPoolOptions{MaxIdlePerType: 4}, zaptest.NewLogger(t), nil)
	pool := NewUpsertPool(cached, cat, "serial", zaptest.NewLogger(t))
	defer func() { _ = pool.Close() }()

	w, err := pool.Borrow(ctx, "sensors")
	require.NoError(t, err)
	require.NoError(t, pool.Return(w))

	assert.Equal(t, 1, cached.IdleCount("sensors"))
}
