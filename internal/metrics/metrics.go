// Package metrics exposes fuzzing session events as Prometheus metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

// Metrics implements fuzz.Observer. All collectors live in a private
// registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	experiments  *prometheus.CounterVec
	exhausted    *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	batches      *prometheus.CounterVec
	batchSeconds *prometheus.HistogramVec
	batchDesigns *prometheus.HistogramVec
	cacheHits    *prometheus.GaugeVec
}

// New creates the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,

		// experiments counts experiments committed to a batch
		experiments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bitfuzz_experiments_total",
			Help: "Experiments committed to a batch, by device and fuzzer",
		}, []string{"device", "fuzzer"}),

		exhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bitfuzz_generators_exhausted_total",
			Help: "Generators that found no legal location, by device and fuzzer",
		}, []string{"device", "fuzzer"}),

		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bitfuzz_conflicts_total",
			Help: "Ledger conflicts, by device and attribute",
		}, []string{"device", "attribute"}),

		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bitfuzz_batches_total",
			Help: "Batches compiled, by device",
		}, []string{"device"}),

		// batchSeconds tracks the slow compile step
		batchSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bitfuzz_batch_compile_seconds",
			Help:    "Wall time of one batch compile call",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
		}, []string{"device"}),

		batchDesigns: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bitfuzz_batch_designs",
			Help:    "Designs handed to the compiler per batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200},
		}, []string{"device"}),

		cacheHits: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bitfuzz_image_cache",
			Help: "Image cache lookups since start, by result",
		}, []string{"result"}),
	}
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) ExperimentProduced(device, fuzzer string) {
	m.experiments.WithLabelValues(device, fuzzer).Inc()
}

func (m *Metrics) GeneratorExhausted(device, fuzzer string) {
	m.exhausted.WithLabelValues(device, fuzzer).Inc()
}

func (m *Metrics) BatchCompiled(device string, designs int, elapsed time.Duration) {
	m.batches.WithLabelValues(device).Inc()
	m.batchSeconds.WithLabelValues(device).Observe(elapsed.Seconds())
	m.batchDesigns.WithLabelValues(device).Observe(float64(designs))
}

func (m *Metrics) ConflictRecorded(device string, key ledger.FeatureKey) {
	m.conflicts.WithLabelValues(device, key.Attribute().String()).Inc()
}

// SetCacheStats records the image cache totals.
func (m *Metrics) SetCacheStats(hits, misses int64) {
	m.cacheHits.WithLabelValues("hit").Set(float64(hits))
	m.cacheHits.WithLabelValues("miss").Set(float64(misses))
}

// WriteTextfile dumps every metric in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
