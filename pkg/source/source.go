// Package source defines how raw records enter the ingest pipeline and
// how they become typed features. A RecordSource supplies a bounded
// sequence of raw records per batch; a Converter turns one raw record
// plus the pipeline options into a Feature and its Schema. Reference
// implementations are provided for CSV and Avro OCF inputs.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/geosink/geosink/pkg/config"
	"github.com/geosink/geosink/pkg/feature"
)

// RawRecord is one externally-sourced record before conversion.
type RawRecord struct {
	// Values holds the raw field values by name
	Values map[string]interface{}

	// Text is a best-effort textual form of the record, carried into
	// error context so failures can be diagnosed without replaying the
	// batch
	Text string
}

// String returns the record's textual form, deriving one from the values
// when the source did not provide it.
func (r *RawRecord) String() string {
	if r.Text != "" {
		return r.Text
	}

	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for i, k := range keys {
		if i > 0 {
			builder.WriteByte(',')
		}
		fmt.Fprintf(&builder, "%s=%v", k, r.Values[k])
	}
	return builder.String()
}

// RecordSource supplies raw records. Next returns io.EOF when the stream
// is exhausted; other errors are per-record read failures and the source
// remains usable.
type RecordSource interface {
	Next(ctx context.Context) (*RawRecord, error)
	Close() error
}

// Converter turns a raw record into a typed feature. Conversion failures
// carry the offending record's textual form.
type Converter interface {
	// Convert produces a feature from a raw record and the pipeline
	// options
	Convert(raw *RawRecord, cfg *config.IngestConfig) (*feature.Feature, error)

	// Schema returns the schema the record declares
	Schema(raw *RawRecord) (*feature.Schema, error)
}
