package source

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/geosink/geosink/pkg/testutil"
)

const flightAvroSchema = `{
	"type": "record",
	"name": "flight",
	"fields": [
		{"name": "callsign", "type": "string"},
		{"name": "altitude", "type": "long"},
		{"name": "origin", "type": ["null", "string"], "default": null}
	]
}`

func writeAvro(t *testing.T, records []map[string]interface{}) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flights.avro")
	f, err := os.Create(path) //nolint:gosec
	require.NoError(t, err)

	w, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:      f,
		Schema: flightAvroSchema,
	})
	require.NoError(t, err)

	data := make([]interface{}, 0, len(records))
	for _, r := range records {
		data = append(data, r)
	}
	require.NoError(t, w.Append(data))
	require.NoError(t, f.Close())
	return path
}

func TestAvroSourceReadsRecords(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()
	path := writeAvro(t, []map[string]interface{}{
		{"callsign": "BAW123", "altitude": int64(35000), "origin": map[string]interface{}{"string": "LHR"}},
		{"callsign": "DLH9", "altitude": int64(28000), "origin": nil},
	})

	src, err := NewAvroSource(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	r1, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BAW123", r1.Values["callsign"])
	assert.Equal(t, int64(35000), r1.Values["altitude"])
	assert.Equal(t, "LHR", r1.Values["origin"], "union values are unwrapped")
	assert.NotEmpty(t, r1.Text)

	r2, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "DLH9", r2.Values["callsign"])

	_, err = src.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestAvroSourceRejectsNonContainerFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.avro")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o600))

	_, err := NewAvroSource(path, zaptest.NewLogger(t))
	assert.Error(t, err)
}
