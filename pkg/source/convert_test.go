package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geosink/geosink/pkg/config"
	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
)

func flightSchema() *feature.Schema {
	return &feature.Schema{
		TypeName: "flights",
		Attributes: []feature.AttributeDescriptor{
			{Name: "callsign", Type: feature.TypeString},
			{Name: "altitude", Type: feature.TypeInt},
			{Name: "speed", Type: feature.TypeFloat},
			{Name: "grounded", Type: feature.TypeBool},
			{Name: "seen", Type: feature.TypeTimestamp},
		},
	}
}

func TestConvertCoercesDeclaredTypes(t *testing.T) {
	conv := NewMapConverter(flightSchema())
	cfg := config.NewIngestConfig("test")
	cfg.Mapping.FeatureIDColumn = "callsign"

	raw := &RawRecord{Values: map[string]interface{}{
		"callsign": "BAW123",
		"altitude": "35000",
		"speed":    "480.5",
		"grounded": "false",
		"seen":     "2026-08-26T10:00:00Z",
	}}

	f, err := conv.Convert(raw, cfg)
	require.NoError(t, err)

	assert.Equal(t, "BAW123", f.ID)
	assert.Equal(t, "flights", f.TypeName)

	v, _ := f.GetAttribute("altitude")
	assert.Equal(t, int64(35000), v)
	v, _ = f.GetAttribute("speed")
	assert.Equal(t, 480.5, v)
	v, _ = f.GetAttribute("grounded")
	assert.Equal(t, false, v)
	v, _ = f.GetAttribute("seen")
	assert.Equal(t, time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC), v)
}

func TestConvertRejectsUnparseableValues(t *testing.T) {
	conv := NewMapConverter(flightSchema())
	cfg := config.NewIngestConfig("test")

	raw := &RawRecord{Values: map[string]interface{}{
		"callsign": "BAW123",
		"altitude": "not-a-number",
	}}

	_, err := conv.Convert(raw, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConversion))
}

func TestConvertGeneratesIDWhenColumnUnset(t *testing.T) {
	conv := NewMapConverter(flightSchema())
	cfg := config.NewIngestConfig("test")

	raw := &RawRecord{Values: map[string]interface{}{"callsign": "BAW123"}}

	f1, err := conv.Convert(raw, cfg)
	require.NoError(t, err)
	f2, err := conv.Convert(raw, cfg)
	require.NoError(t, err)

	assert.NotEmpty(t, f1.ID)
	assert.NotEqual(t, f1.ID, f2.ID)
}

func TestConvertFailsOnMissingIDColumn(t *testing.T) {
	conv := NewMapConverter(flightSchema())
	cfg := config.NewIngestConfig("test")
	cfg.Mapping.FeatureIDColumn = "tail_number"

	raw := &RawRecord{Values: map[string]interface{}{"callsign": "BAW123"}}

	_, err := conv.Convert(raw, cfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConversion))
}

func TestConvertSkipsAttributesAbsentFromRecord(t *testing.T) {
	conv := NewMapConverter(flightSchema())
	cfg := config.NewIngestConfig("test")

	raw := &RawRecord{Values: map[string]interface{}{"callsign": "BAW123"}}

	f, err := conv.Convert(raw, cfg)
	require.NoError(t, err)

	_, ok := f.GetAttribute("altitude")
	assert.False(t, ok)
}

func TestConvertGeometryAndVisibilityColumns(t *testing.T) {
	conv := NewMapConverter(flightSchema())
	cfg := config.NewIngestConfig("test")
	cfg.Mapping.GeometryColumns = []string{"position"}
	cfg.Mapping.VisibilityColumn = "vis"

	raw := &RawRecord{Values: map[string]interface{}{
		"callsign": "BAW123",
		"position": "POINT(-0.45 51.47)",
		"vis":      "public",
	}}

	f, err := conv.Convert(raw, cfg)
	require.NoError(t, err)
	assert.Equal(t, "POINT(-0.45 51.47)", f.Geometry)
	assert.Equal(t, "public", f.Visibility)
}

func TestConvertGeometryColumnsFirstPresentWins(t *testing.T) {
	conv := NewMapConverter(flightSchema())
	cfg := config.NewIngestConfig("test")
	cfg.Mapping.GeometryColumns = []string{"shape", "position"}

	raw := &RawRecord{Values: map[string]interface{}{
		"callsign": "BAW123",
		"position": "POINT(-0.45 51.47)",
	}}

	f, err := conv.Convert(raw, cfg)
	require.NoError(t, err)
	assert.Equal(t, "POINT(-0.45 51.47)", f.Geometry,
		"a configured column absent from the record defers to the next one")
}

func TestConvertDefaultGeometryAttribute(t *testing.T) {
	s := &feature.Schema{
		TypeName: "parcels",
		Attributes: []feature.AttributeDescriptor{
			{Name: "name", Type: feature.TypeString},
			{Name: "boundary", Type: feature.TypeGeometry, IsGeometry: true, IsDefaultGeometry: true},
		},
	}
	conv := NewMapConverter(s)
	cfg := config.NewIngestConfig("test")

	raw := &RawRecord{Values: map[string]interface{}{
		"name":     "lot 7",
		"boundary": "POLYGON((0 0,1 0,1 1,0 0))",
	}}

	f, err := conv.Convert(raw, cfg)
	require.NoError(t, err)
	assert.Equal(t, "POLYGON((0 0,1 0,1 1,0 0))", f.Geometry)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		to      feature.AttributeType
		want    interface{}
		wantErr bool
	}{
		{"int from float64", float64(7), feature.TypeInt, int64(7), false},
		{"int from int", 7, feature.TypeInt, int64(7), false},
		{"float from int64", int64(3), feature.TypeFloat, float64(3), false},
		{"string from int", 42, feature.TypeString, "42", false},
		{"bool from string", "true", feature.TypeBool, true, false},
		{"binary from string", "abc", feature.TypeBinary, []byte("abc"), false},
		{"nil passes through", nil, feature.TypeInt, nil, false},
		{"bool from int fails", 1, feature.TypeBool, nil, true},
		{"timestamp from garbage fails", "yesterday", feature.TypeTimestamp, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := coerce(tt.value, tt.to)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRawRecordString(t *testing.T) {
	assert.Equal(t, "raw text", (&RawRecord{Text: "raw text"}).String())

	r := &RawRecord{Values: map[string]interface{}{"b": 2, "a": 1}}
	assert.Equal(t, "a=1,b=2", r.String())
}
