package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/catalog"
	"github.com/geosink/geosink/pkg/config"
	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/feature"
	"github.com/geosink/geosink/pkg/metrics"
	"github.com/geosink/geosink/pkg/reconcile"
	"github.com/geosink/geosink/pkg/source"
	"github.com/geosink/geosink/pkg/writer"
)

// Service owns the catalog, the writer pool, the reconciler, and the
// coordinator for one pipeline instance. Start builds them in dependency
// order and tears down anything already opened when a later step fails.
type Service struct {
	cfg       *config.IngestConfig
	logger    *zap.Logger
	collector *metrics.Collector

	catalog     catalog.Catalog
	pool        writer.Pool
	reconciler  *reconcile.Reconciler
	coordinator *Coordinator
}

// NewService validates the configuration and prepares a stopped service.
func NewService(cfg *config.IngestConfig, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid pipeline configuration")
	}
	// A nil collector drops every observation
	var collector *metrics.Collector
	if cfg.Observability.EnableMetrics {
		collector = metrics.NewCollector(cfg.Name)
	}
	return &Service{
		cfg:       cfg,
		logger:    logger.With(zap.String("pipeline", cfg.Name)),
		collector: collector,
	}, nil
}

// Start opens the catalog and wires the pool, reconciler, and
// coordinator. If any step after the catalog opens fails, the catalog is
// disposed before the error is returned.
func (s *Service) Start(ctx context.Context) error {
	cat, err := s.openCatalog(ctx)
	if err != nil {
		return err
	}

	mode, ok := feature.ParseCompatibilityMode(s.cfg.Schema.CompatibilityMode)
	if !ok {
		if derr := cat.Dispose(); derr != nil {
			s.logger.Warn("failed to dispose catalog after startup error", zap.Error(derr))
		}
		return errors.Newf(errors.ErrorTypeConfig, "unknown compatibility mode %q", s.cfg.Schema.CompatibilityMode)
	}

	pool := s.buildPool(cat)
	s.catalog = cat
	s.pool = pool
	s.reconciler = reconcile.New(cat, mode, pool, s.logger, s.collector)
	s.coordinator = NewCoordinator(s.cfg, s.reconciler, pool, s.logger, s.collector)

	s.logger.Info("pipeline started",
		zap.String("catalog", string(s.cfg.Catalog.Kind)),
		zap.String("compatibility_mode", string(mode)),
		zap.String("write_mode", string(s.cfg.Writer.Mode)),
		zap.Bool("caching_enabled", s.cfg.Writer.CachingEnabled))
	return nil
}

// RunBatch processes one batch from the source. Start must have
// succeeded first.
func (s *Service) RunBatch(ctx context.Context, src source.RecordSource, conv source.Converter) (Outcome, error) {
	if s.coordinator == nil {
		return Outcome{}, errors.New(errors.ErrorTypeInternal, "service not started")
	}
	return s.coordinator.RunBatch(ctx, src, conv)
}

// Stop closes the writer pool before disposing the catalog, so no pooled
// handle outlives the store it writes to.
func (s *Service) Stop() error {
	var firstErr error
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			firstErr = err
			s.logger.Warn("writer pool close failed", zap.Error(err))
		}
		s.pool = nil
	}
	if s.catalog != nil {
		if err := s.catalog.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.catalog = nil
	}
	s.coordinator = nil
	s.reconciler = nil
	s.logger.Info("pipeline stopped")
	return firstErr
}

// Catalog exposes the live catalog, mainly for inspection after a run.
func (s *Service) Catalog() catalog.Catalog {
	return s.catalog
}

func (s *Service) openCatalog(ctx context.Context) (catalog.Catalog, error) {
	switch s.cfg.Catalog.Kind {
	case config.CatalogMemory:
		return catalog.NewMemoryCatalog(s.logger), nil
	case config.CatalogPostgres:
		return catalog.NewPostgresCatalog(ctx, s.cfg.Catalog.DSN, s.cfg.Catalog.ConnectTimeout, s.logger)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown catalog kind %q", s.cfg.Catalog.Kind)
	}
}

// buildPool assembles the writer pool variant the configuration asks
// for: ephemeral or cached, optionally wrapped for modify-mode upserts.
func (s *Service) buildPool(cat catalog.Catalog) writer.Pool {
	var pool writer.Pool
	if s.cfg.Writer.CachingEnabled {
		pool = writer.NewCachedPool(cat, writer.CachedPoolOptions{
			IdleTimeout:    s.cfg.Writer.CacheIdleTimeout,
			MaxIdlePerType: s.cfg.Writer.MaxIdlePerType,
		}, s.logger, s.collector)
	} else {
		pool = writer.NewEphemeralPool(cat, s.logger, s.collector)
	}
	if s.cfg.Writer.Mode == config.WriteModeModify {
		pool = writer.NewUpsertPool(pool, cat, s.cfg.Mapping.UniqueIdentifierColumn, s.logger)
	}
	return pool
}
