// Package metrics provides Prometheus-backed metrics collection for
// geosink components. Each pipeline instance creates one Collector and
// threads it through the coordinator, reconciler, and writer pool.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registerOnce sync.Once

	featuresWritten    *prometheus.CounterVec
	featuresFailed     *prometheus.CounterVec
	schemasCreated     *prometheus.CounterVec
	schemasMigrated    *prometheus.CounterVec
	writersCreated     *prometheus.CounterVec
	writersReused      *prometheus.CounterVec
	writersEvicted     *prometheus.CounterVec
	writersInvalidated *prometheus.CounterVec
	idleWriters        *prometheus.GaugeVec
)

func register() {
	registerOnce.Do(func() {
		featuresWritten = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "geosink_features_written_total",
			Help: "Total features written successfully",
		}, []string{"pipeline", "type_name"})
		featuresFailed = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "geosink_features_failed_total",
			Help: "Total features that failed at read, conversion, or write",
		}, []string{"pipeline", "stage"})
		schemasCreated = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "geosink_schemas_created_total",
			Help: "Total schemas created in the catalog",
		}, []string{"pipeline"})
		schemasMigrated = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "geosink_schemas_migrated_total",
			Help: "Total forward schema migrations applied",
		}, []string{"pipeline"})
		writersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "geosink_writers_created_total",
			Help: "Total write channels opened",
		}, []string{"pipeline"})
		writersReused = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "geosink_writers_reused_total",
			Help: "Total borrows served from the idle pool",
		}, []string{"pipeline"})
		writersEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "geosink_writers_evicted_total",
			Help: "Total idle write channels closed by the eviction sweep",
		}, []string{"pipeline"})
		writersInvalidated = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "geosink_writers_invalidated_total",
			Help: "Total write channels destroyed by pool invalidation",
		}, []string{"pipeline"})
		idleWriters = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geosink_idle_writers",
			Help: "Write channels currently idle in the pool",
		}, []string{"pipeline"})
	})
}

// Collector records pipeline metrics under a fixed pipeline label.
// A nil *Collector is valid and drops every observation, so components
// can take a Collector without nil checks at each call site.
type Collector struct {
	pipeline string
}

// NewCollector creates a collector labeled with the pipeline name.
func NewCollector(pipeline string) *Collector {
	register()
	return &Collector{pipeline: pipeline}
}

// FeatureWritten counts one successful write for a type name.
func (c *Collector) FeatureWritten(typeName string) {
	if c == nil {
		return
	}
	featuresWritten.WithLabelValues(c.pipeline, typeName).Inc()
}

// FeatureFailed counts one per-record failure at the given stage
// (read, conversion, write, schema).
func (c *Collector) FeatureFailed(stage string) {
	if c == nil {
		return
	}
	featuresFailed.WithLabelValues(c.pipeline, stage).Inc()
}

// SchemaCreated counts one catalog schema creation.
func (c *Collector) SchemaCreated() {
	if c == nil {
		return
	}
	schemasCreated.WithLabelValues(c.pipeline).Inc()
}

// SchemaMigrated counts one forward migration.
func (c *Collector) SchemaMigrated() {
	if c == nil {
		return
	}
	schemasMigrated.WithLabelValues(c.pipeline).Inc()
}

// WriterCreated counts one newly opened write channel.
func (c *Collector) WriterCreated() {
	if c == nil {
		return
	}
	writersCreated.WithLabelValues(c.pipeline).Inc()
}

// WriterReused counts one borrow served from the idle pool.
func (c *Collector) WriterReused() {
	if c == nil {
		return
	}
	writersReused.WithLabelValues(c.pipeline).Inc()
}

// WritersEvicted counts idle channels closed by the eviction sweep.
func (c *Collector) WritersEvicted(n int) {
	if c == nil || n == 0 {
		return
	}
	writersEvicted.WithLabelValues(c.pipeline).Add(float64(n))
}

// WritersInvalidated counts channels destroyed by invalidation.
func (c *Collector) WritersInvalidated(n int) {
	if c == nil || n == 0 {
		return
	}
	writersInvalidated.WithLabelValues(c.pipeline).Add(float64(n))
}

// SetIdleWriters records the current idle pool size.
func (c *Collector) SetIdleWriters(n int) {
	if c == nil {
		return
	}
	idleWriters.WithLabelValues(c.pipeline).Set(float64(n))
}
