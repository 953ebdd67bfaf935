package fuzz

import (
	"time"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

// Observer receives session events, typically to feed metrics.
type Observer interface {
	ExperimentProduced(device, fuzzer string)
	GeneratorExhausted(device, fuzzer string)
	BatchCompiled(device string, designs int, elapsed time.Duration)
	ConflictRecorded(device string, key ledger.FeatureKey)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ExperimentProduced(string, string)          {}
func (NopObserver) GeneratorExhausted(string, string)          {}
func (NopObserver) BatchCompiled(string, int, time.Duration)   {}
func (NopObserver) ConflictRecorded(string, ledger.FeatureKey) {}
