// Package ingest drives the per-batch, per-record pipeline: convert,
// reconcile, acquire a writer, write, release, tally. Record-level
// failures are isolated so one bad record never aborts the batch or
// corrupts pooled resources; the host gets back exact success/failure
// accounting.
package ingest

import (
	"context"
	"io"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/catalog"
	"github.com/geosink/geosink/pkg/config"
	"github.com/geosink/geosink/pkg/feature"
	"github.com/geosink/geosink/pkg/metrics"
	"github.com/geosink/geosink/pkg/reconcile"
	"github.com/geosink/geosink/pkg/source"
	"github.com/geosink/geosink/pkg/writer"
)

// Outcome is the per-batch tally reported back to the host.
type Outcome struct {
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`
}

// Coordinator runs batches against one reconciler and writer pool.
// Within a batch records are processed sequentially; the pool and catalog
// stay safe for concurrent use by other pipeline instances.
type Coordinator struct {
	cfg        *config.IngestConfig
	reconciler *reconcile.Reconciler
	pool       writer.Pool
	logger     *zap.Logger
	collector  *metrics.Collector

	// failedTypes remembers type names whose reconciliation failed.
	// Their remaining records count as failures without aborting
	// unrelated type names.
	mu          sync.Mutex
	failedTypes map[string]error
}

// NewCoordinator creates a coordinator over a reconciler and writer pool.
func NewCoordinator(cfg *config.IngestConfig, reconciler *reconcile.Reconciler, pool writer.Pool, logger *zap.Logger, collector *metrics.Collector) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		reconciler:  reconciler,
		pool:        pool,
		logger:      logger.With(zap.String("component", "coordinator")),
		collector:   collector,
		failedTypes: make(map[string]error),
	}
}

// RunBatch reads up to the configured batch size from the source and runs
// each record through the pipeline. Record-level errors only affect the
// tally; the returned error is non-nil only when the context is cancelled.
func (c *Coordinator) RunBatch(ctx context.Context, src source.RecordSource, conv source.Converter) (Outcome, error) {
	var outcome Outcome
	consecutiveReadFailures := 0

	for processed := 0; processed < c.cfg.Batch.Size; {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		raw, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			outcome.FailureCount++
			c.collector.FeatureFailed("read")
			consecutiveReadFailures++
			c.logger.Error("record read failed",
				zap.Int("consecutive_failures", consecutiveReadFailures),
				zap.Error(err))
			if consecutiveReadFailures >= c.cfg.Batch.MaxConsecutiveReadFailures {
				c.logger.Error("abandoning batch: source is persistently failing",
					zap.Int("consecutive_failures", consecutiveReadFailures))
				break
			}
			continue
		}
		consecutiveReadFailures = 0
		processed++

		if c.processRecord(ctx, raw, conv) {
			outcome.SuccessCount++
		} else {
			outcome.FailureCount++
		}
	}

	c.logger.Info("batch complete",
		zap.Int64("success_count", outcome.SuccessCount),
		zap.Int64("failure_count", outcome.FailureCount))
	return outcome, nil
}

// processRecord runs one record through convert, reconcile, acquire,
// write, release. It reports whether the record was written.
func (c *Coordinator) processRecord(ctx context.Context, raw *source.RawRecord, conv source.Converter) bool {
	schema, err := conv.Schema(raw)
	if err != nil {
		c.collector.FeatureFailed("conversion")
		c.logger.Error("schema resolution failed",
			zap.String("record", raw.String()),
			zap.Error(err))
		return false
	}

	if failErr := c.typeFailure(schema.TypeName); failErr != nil {
		c.collector.FeatureFailed("schema")
		c.logger.Debug("skipping record for failed type",
			zap.String("type_name", schema.TypeName),
			zap.Error(failErr))
		return false
	}

	f, err := conv.Convert(raw, c.cfg)
	if err != nil {
		c.collector.FeatureFailed("conversion")
		c.logger.Error("record conversion failed",
			zap.String("record", raw.String()),
			zap.Error(err))
		return false
	}

	if _, err := c.reconciler.Reconcile(ctx, schema); err != nil {
		c.setTypeFailure(schema.TypeName, err)
		c.collector.FeatureFailed("schema")
		c.logger.Error("schema reconciliation failed",
			zap.String("type_name", schema.TypeName),
			zap.Error(err))
		return false
	}

	w, err := c.pool.Borrow(ctx, schema.TypeName)
	if err != nil {
		c.collector.FeatureFailed("write")
		c.logger.Error("failed to acquire writer",
			zap.String("type_name", schema.TypeName),
			zap.Error(err))
		return false
	}

	if err := c.write(ctx, w, f); err != nil {
		c.collector.FeatureFailed("write")
		encoded, _ := json.Marshal(f)
		c.logger.Error("feature write failed",
			zap.String("type_name", schema.TypeName),
			zap.ByteString("feature", encoded),
			zap.Error(err))
		return false
	}

	c.collector.FeatureWritten(schema.TypeName)
	return true
}

// write hands the feature to the handle, returning it to the pool on
// every exit path. The write's own result decides the record outcome; a
// return failure is a pool problem, not a lost record, and is only logged.
func (c *Coordinator) write(ctx context.Context, w catalog.FeatureWriter, f *feature.Feature) error {
	err := w.Write(ctx, f)
	if rerr := c.pool.Return(w); rerr != nil {
		c.logger.Warn("failed to return writer",
			zap.String("type_name", w.TypeName()),
			zap.Error(rerr))
	}
	return err
}

func (c *Coordinator) typeFailure(typeName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failedTypes[typeName]
}

func (c *Coordinator) setTypeFailure(typeName string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedTypes[typeName] = err
}
