package writer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geosink/geosink/pkg/catalog"
	"github.com/geosink/geosink/pkg/errors"
	"github.com/geosink/geosink/pkg/metrics"
)

// CachedPool maintains per-type-name idle pools of append channels with
// timeout-based eviction and explicit invalidation. A background sweep
// closes handles idle longer than the configured timeout; a generation
// counter per pool entry ensures a handle borrowed just before an
// invalidation completes its write and is destroyed, never recycled.
type CachedPool struct {
	catalog     catalog.Catalog
	idleTimeout time.Duration
	maxIdle     int
	logger      *zap.Logger
	collector   *metrics.Collector

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool

	sweepTicker *time.Ticker
	stopCh      chan struct{}
	sweepDone   chan struct{}
}

// poolEntry is one type name's idle handle stack. The generation counter
// advances on every invalidation; handles stamped with an older generation
// are destroyed on return.
type poolEntry struct {
	generation uint64
	idle       []*cachedWriter
}

// cachedWriter wraps a catalog writer with pooling metadata.
type cachedWriter struct {
	catalog.FeatureWriter
	generation uint64
	lastUsed   time.Time
}

// CachedPoolOptions configures a CachedPool.
type CachedPoolOptions struct {
	// IdleTimeout closes handles idle longer than this
	IdleTimeout time.Duration

	// MaxIdlePerType bounds the idle stack per type name; extra returned
	// handles are closed instead of pooled
	MaxIdlePerType int

	// SweepInterval overrides the eviction sweep cadence. Zero derives
	// it from IdleTimeout.
	SweepInterval time.Duration
}

// NewCachedPool creates a pooled writer cache and starts its eviction
// sweep goroutine.
func NewCachedPool(cat catalog.Catalog, opts CachedPoolOptions, logger *zap.Logger, collector *metrics.Collector) *CachedPool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.MaxIdlePerType <= 0 {
		opts.MaxIdlePerType = 8
	}
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = opts.IdleTimeout / 2
		if interval > 30*time.Second {
			interval = 30 * time.Second
		}
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}
	}

	p := &CachedPool{
		catalog:     cat,
		idleTimeout: opts.IdleTimeout,
		maxIdle:     opts.MaxIdlePerType,
		logger:      logger.With(zap.String("component", "cached_pool")),
		collector:   collector,
		entries:     make(map[string]*poolEntry),
		sweepTicker: time.NewTicker(interval),
		stopCh:      make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Borrow implements Pool. An idle handle is reused when available;
// otherwise a new channel is opened. The generation is stamped before the
// open so an invalidation racing with the open destroys the handle on
// return rather than recycling it.
func (p *CachedPool) Borrow(ctx context.Context, typeName string) (catalog.FeatureWriter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New(errors.ErrorTypeInternal, "writer pool is closed")
	}
	entry := p.entry(typeName)

	if n := len(entry.idle); n > 0 {
		w := entry.idle[n-1]
		entry.idle = entry.idle[:n-1]
		p.collector.SetIdleWriters(p.idleCountLocked())
		p.mu.Unlock()
		w.lastUsed = time.Now()
		p.collector.WriterReused()
		return w, nil
	}
	generation := entry.generation
	p.mu.Unlock()

	fw, err := p.catalog.OpenAppendWriter(ctx, typeName)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWrite, "failed to open append writer").
			WithDetail("type_name", typeName)
	}
	p.collector.WriterCreated()
	return &cachedWriter{
		FeatureWriter: fw,
		generation:    generation,
		lastUsed:      time.Now(),
	}, nil
}

// Return implements Pool. Stale-generation handles and overflow beyond the
// idle bound are destroyed; everything else goes back on the idle stack.
func (p *CachedPool) Return(w catalog.FeatureWriter) error {
	cw, ok := w.(*cachedWriter)
	if !ok {
		if w == nil {
			return errors.New(errors.ErrorTypeInternal, "returned a nil writer")
		}
		// Not one of ours; close it rather than leak it
		_ = w.Close()
		return errors.New(errors.ErrorTypeInternal, "returned writer was not borrowed from this pool")
	}

	typeName := cw.TypeName()

	p.mu.Lock()
	entry := p.entries[typeName]
	switch {
	case p.closed, entry == nil, cw.generation != entry.generation:
		p.mu.Unlock()
		p.collector.WritersInvalidated(1)
		p.logger.Debug("destroying stale writer",
			zap.String("type_name", typeName))
		return cw.FeatureWriter.Close()

	case len(entry.idle) >= p.maxIdle:
		p.mu.Unlock()
		return cw.FeatureWriter.Close()

	default:
		cw.lastUsed = time.Now()
		entry.idle = append(entry.idle, cw)
		p.collector.SetIdleWriters(p.idleCountLocked())
		p.mu.Unlock()
		return nil
	}
}

// Invalidate implements Pool. The pool entry is atomically swapped: the
// generation advances and every idle handle is drained and closed. Handles
// out on loan carry the old generation and are destroyed on return.
func (p *CachedPool) Invalidate(typeName string) {
	p.mu.Lock()
	entry := p.entries[typeName]
	if entry == nil {
		p.mu.Unlock()
		return
	}
	entry.generation++
	drained := entry.idle
	entry.idle = nil
	p.collector.SetIdleWriters(p.idleCountLocked())
	p.mu.Unlock()

	for _, w := range drained {
		_ = w.FeatureWriter.Close()
	}
	p.collector.WritersInvalidated(len(drained))
	p.logger.Info("invalidated cached writers",
		zap.String("type_name", typeName),
		zap.Int("drained", len(drained)))
}

// Close implements Pool. All idle handles are drained and closed and the
// sweep goroutine stops. Callers must have returned every borrowed handle
// before Close.
func (p *CachedPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var drained []*cachedWriter
	for _, entry := range p.entries {
		drained = append(drained, entry.idle...)
		entry.idle = nil
	}
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	close(p.stopCh)
	p.sweepTicker.Stop()
	<-p.sweepDone

	var firstErr error
	for _, w := range drained {
		if err := w.FeatureWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.collector.SetIdleWriters(0)
	p.logger.Info("writer pool closed", zap.Int("drained", len(drained)))
	return firstErr
}

// IdleCount returns the number of idle handles for a type name.
func (p *CachedPool) IdleCount(typeName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry := p.entries[typeName]
	if entry == nil {
		return 0
	}
	return len(entry.idle)
}

// entry returns the pool entry for a type name, creating it if needed.
// Caller holds p.mu.
func (p *CachedPool) entry(typeName string) *poolEntry {
	entry, ok := p.entries[typeName]
	if !ok {
		entry = &poolEntry{}
		p.entries[typeName] = entry
	}
	return entry
}

// idleCountLocked sums idle handles across entries. Caller holds p.mu.
func (p *CachedPool) idleCountLocked() int {
	total := 0
	for _, entry := range p.entries {
		total += len(entry.idle)
	}
	return total
}

// sweepLoop periodically evicts idle handles past the timeout.
func (p *CachedPool) sweepLoop() {
	defer close(p.sweepDone)
	for {
		select {
		case <-p.sweepTicker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

// sweep closes handles idle longer than the timeout. Borrowed handles are
// never visible to the sweep: the idle stack is the sole owner of handles
// not currently out on loan.
func (p *CachedPool) sweep() {
	now := time.Now()
	var evicted []*cachedWriter

	p.mu.Lock()
	for _, entry := range p.entries {
		remaining := entry.idle[:0]
		for _, w := range entry.idle {
			if now.Sub(w.lastUsed) > p.idleTimeout {
				evicted = append(evicted, w)
			} else {
				remaining = append(remaining, w)
			}
		}
		entry.idle = remaining
	}
	if len(evicted) > 0 {
		p.collector.SetIdleWriters(p.idleCountLocked())
	}
	p.mu.Unlock()

	for _, w := range evicted {
		_ = w.FeatureWriter.Close()
	}
	if len(evicted) > 0 {
		p.collector.WritersEvicted(len(evicted))
		p.logger.Debug("evicted idle writers", zap.Int("evicted", len(evicted)))
	}
}
