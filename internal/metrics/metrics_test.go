package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

var _ fuzz.Observer = (*Metrics)(nil)

// gathered returns the value of every sample, keyed by metric name and the
// first label value.
func gathered(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range metric.GetLabel() {
				key += "/" + lp.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestObserverCounts(t *testing.T) {
	m := New()
	m.ExperimentProduced("sim8", "PLC:SLICE.MODE=RAM")
	m.ExperimentProduced("sim8", "PLC:SLICE.MODE=RAM")
	m.ExperimentProduced("sim8", "IO:PAD.STD")
	m.GeneratorExhausted("sim8", "CFG:GLOBAL.WAKE=FAST")
	m.BatchCompiled("sim8", 5, 20*time.Millisecond)
	m.ConflictRecorded("sim8", ledger.FeatureKey{TileKind: "PLC", Bel: "SLICE", Attr: "MODE", Value: "RAM"})
	m.SetCacheStats(3, 7)

	got := gathered(t, m)
	assert.Equal(t, 2.0, got["bitfuzz_experiments_total/sim8/PLC:SLICE.MODE=RAM"])
	assert.Equal(t, 1.0, got["bitfuzz_experiments_total/sim8/IO:PAD.STD"])
	assert.Equal(t, 1.0, got["bitfuzz_generators_exhausted_total/sim8/CFG:GLOBAL.WAKE=FAST"])
	assert.Equal(t, 1.0, got["bitfuzz_conflicts_total/PLC:SLICE.MODE/sim8"])
	assert.Equal(t, 1.0, got["bitfuzz_batches_total/sim8"])
	assert.Equal(t, 1.0, got["bitfuzz_batch_compile_seconds/sim8"])
	assert.Equal(t, 3.0, got["bitfuzz_image_cache/hit"])
	assert.Equal(t, 7.0, got["bitfuzz_image_cache/miss"])
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.BatchCompiled("sim8", 2, time.Second)

	path := filepath.Join(t.TempDir(), "bitfuzz.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `bitfuzz_batches_total{device="sim8"} 1`)
	assert.Contains(t, string(data), "bitfuzz_batch_compile_seconds_bucket")
}
