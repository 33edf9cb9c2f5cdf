package source

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/errors"
)

// CSVSource reads raw records from a header-driven CSV stream. Inputs
// ending in .gz are decompressed transparently. Rows with a mismatched
// field count surface as per-record read errors; the source stays usable
// and the next call moves past the bad row.
type CSVSource struct {
	reader  *csv.Reader
	header  []string
	closers []io.Closer
	logger  *zap.Logger
}

// NewCSVSource opens a CSV file and consumes its header row.
func NewCSVSource(path string, logger *zap.Logger) (*CSVSource, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path comes from operator configuration
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRead, "failed to open input file")
	}

	var r io.Reader = f
	closers := []io.Closer{f}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeRead, "failed to open gzip stream")
		}
		r = gz
		closers = append([]io.Closer{gz}, closers...)
	}

	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeRead, "failed to read CSV header")
	}

	return &CSVSource{
		reader:  cr,
		header:  header,
		closers: closers,
		logger:  logger.With(zap.String("component", "csv_source")),
	}, nil
}

// Header returns the column names in file order.
func (s *CSVSource) Header() []string {
	return s.header
}

// Next implements RecordSource.
func (s *CSVSource) Next(ctx context.Context) (*RawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row, err := s.reader.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeRead, "failed to read CSV row")
	}

	values := make(map[string]interface{}, len(s.header))
	for i, name := range s.header {
		if i < len(row) {
			values[name] = row[i]
		}
	}
	return &RawRecord{
		Values: values,
		Text:   strings.Join(row, ","),
	}, nil
}

// Close implements RecordSource.
func (s *CSVSource) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
