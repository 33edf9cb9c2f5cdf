package source

import (
	"bufio"
	"context"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/linkedin/goavro/v2"
	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/errors"
)

// AvroSource reads raw records from an Avro Object Container File. Each
// datum must decode to a record (a map of field values).
type AvroSource struct {
	ocf    *goavro.OCFReader
	file   *os.File
	logger *zap.Logger
}

// NewAvroSource opens an Avro OCF file.
func NewAvroSource(path string, logger *zap.Logger) (*AvroSource, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRead, "failed to open input file")
	}

	ocf, err := goavro.NewOCFReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeRead, "failed to open Avro container")
	}

	return &AvroSource{
		ocf:    ocf,
		file:   f,
		logger: logger.With(zap.String("component", "avro_source")),
	}, nil
}

// Next implements RecordSource.
func (s *AvroSource) Next(ctx context.Context) (*RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !s.ocf.Scan() {
		if err := s.ocf.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRead, "failed to scan Avro container")
		}
		return nil, io.EOF
	}

	datum, err := s.ocf.Read()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRead, "failed to decode Avro datum")
	}

	values, ok := datum.(map[string]interface{})
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeRead, "Avro datum is %T, not a record", datum)
	}

	// Avro unions decode as single-entry maps keyed by type name;
	// unwrap them so converters see plain values
	for k, v := range values {
		if union, ok := v.(map[string]interface{}); ok && len(union) == 1 {
			for _, inner := range union {
				values[k] = inner
			}
		}
	}

	text, _ := json.Marshal(values)
	return &RawRecord{Values: values, Text: string(text)}, nil
}

// Close implements RecordSource.
func (s *AvroSource) Close() error {
	return s.file.Close()
}
