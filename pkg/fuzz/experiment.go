package fuzz

import (
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

// Family supplies the fuzzers of one device family.
type Family interface {
	Name() string
	Fuzzers(b Backend) []Fuzzer
}

// Fuzzer knows how to build a single-feature experiment at a tile.
type Fuzzer interface {
	// Name is unique within a family.
	Name() string

	// TileKind selects the pool of candidate locations.
	TileKind() string

	// Props are the properties a location must (or should) satisfy.
	Props() []Prop

	// Build returns the experiment for a location that satisfies every
	// mandatory property. ID and target regions are filled in by the
	// generator.
	Build(tile TileCoord) (*Experiment, error)
}

// Prop is a predicate over a candidate location.
type Prop interface {
	Name() string

	// Optional properties are preferences: an experiment may be placed where
	// they do not hold, but the generator then asks for a narrowed successor.
	Optional() bool

	Holds(b Backend, tile TileCoord) bool
}

// Target is one feature an experiment measures.
type Target struct {
	Key ledger.FeatureKey

	// Regions bound where the feature's bits may appear. Filled in from
	// Backend.TileBits when the experiment is committed.
	Regions []bitaddr.Region

	// Decomposable marks a multi-variant target whose variants each toggle
	// one lane of a bit-vector attribute.
	Decomposable bool
}

// Experiment is one committed unit of work inside a batch.
type Experiment struct {
	ID     ledger.ExperimentID
	Fuzzer string
	Tile   TileCoord

	// Base settings are merged into the batch baseline.
	Base Design

	// Each variant is compiled as baseline plus its own settings and diffed
	// against the baseline.
	Variants []Design

	// Resources are claimed exclusively within a batch.
	Resources []string

	Targets []Target

	// Sad lists the optional properties that did not hold at Tile.
	Sad []string
}

// PropFunc adapts a function to Prop.
type PropFunc struct {
	PropName string
	IsOpt    bool
	Fn       func(b Backend, tile TileCoord) bool
}

func (p PropFunc) Name() string   { return p.PropName }
func (p PropFunc) Optional() bool { return p.IsOpt }

func (p PropFunc) Holds(b Backend, tile TileCoord) bool {
	return p.Fn(b, tile)
}
