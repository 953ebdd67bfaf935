package fuzz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitimage"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

// fakeBackend is a row of "T" tiles, each owning two frames of bank 0:
//
//	T<i>.X = ON     sets frame 2i bit 3 (bit 4 on odd tiles when flaky)
//	T<i>.V = 0b...  sets frame 2i+1 bit j for lane j
//
// Setting T<i>.X together with T<i+1>.X is illegal when exclusiveX is set.
type fakeBackend struct {
	name       string
	tiles      int
	flaky      bool
	leak       bool // T<i>.X also flips a bit of the next tile
	exclusiveX bool
	compileErr error
	compiles   atomic.Int32
}

const fakeWidth = 8

func (b *fakeBackend) DeviceName() string { return b.name }

func (b *fakeBackend) Instances(kind string) []TileCoord {
	if kind != "T" {
		return nil
	}
	out := make([]TileCoord, b.tiles)
	for i := range out {
		out[i] = TileCoord{Kind: "T", Name: fmt.Sprintf("T%d", i), Index: i}
	}
	return out
}

func (b *fakeBackend) TileBits(_ context.Context, tile TileCoord) ([]bitaddr.Region, error) {
	return []bitaddr.Region{bitaddr.Grid("main", 0, 2*tile.Index, 2, 0, fakeWidth)}, nil
}

func (b *fakeBackend) Validate(ctx context.Context, d Design) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for k := range d {
		i, attr, err := splitKey(k)
		if err != nil {
			return err
		}
		if i >= b.tiles {
			return fmt.Errorf("no tile T%d", i)
		}
		if b.exclusiveX && attr == "X" {
			if _, ok := d[fmt.Sprintf("T%d.X", i+1)]; ok {
				return fmt.Errorf("T%d.X and T%d.X are exclusive", i, i+1)
			}
		}
	}
	return nil
}

func (b *fakeBackend) shape() bitimage.Shape {
	present := make([]bool, 2*b.tiles)
	for i := range present {
		present[i] = true
	}
	return bitimage.Shape{Banks: []bitimage.BankShape{{FrameBits: fakeWidth, Present: present}}}
}

func (b *fakeBackend) Compile(ctx context.Context, designs []Design) ([]*bitimage.Image, error) {
	b.compiles.Add(1)
	if b.compileErr != nil {
		return nil, b.compileErr
	}
	out := make([]*bitimage.Image, len(designs))
	for n, d := range designs {
		img := bitimage.New(b.shape())
		for k, v := range d {
			i, attr, err := splitKey(k)
			if err != nil {
				return nil, err
			}
			switch attr {
			case "X":
				bit := 3
				if b.flaky && i%2 == 1 {
					bit = 4
				}
				if err := img.Set(bitaddr.FrameBit(0, 2*i, bit), true); err != nil {
					return nil, err
				}
				if b.leak && i+1 < b.tiles {
					if err := img.Set(bitaddr.FrameBit(0, 2*(i+1), 0), true); err != nil {
						return nil, err
					}
				}
			case "V":
				for j := 0; j < len(v); j++ {
					if v[len(v)-1-j] == '1' {
						if err := img.Set(bitaddr.FrameBit(0, 2*i+1, j), true); err != nil {
							return nil, err
						}
					}
				}
			}
		}
		out[n] = img
	}
	return out, ctx.Err()
}

func splitKey(k string) (int, string, error) {
	tile, attr, ok := strings.Cut(k, ".")
	if !ok || !strings.HasPrefix(tile, "T") {
		return 0, "", fmt.Errorf("bad key %q", k)
	}
	i, err := strconv.Atoi(tile[1:])
	if err != nil {
		return 0, "", fmt.Errorf("bad key %q: %w", k, err)
	}
	return i, attr, nil
}

type fakeFuzzer struct {
	name  string
	props []Prop
	build func(tile TileCoord) (*Experiment, error)
}

func (f *fakeFuzzer) Name() string                              { return f.name }
func (f *fakeFuzzer) TileKind() string                          { return "T" }
func (f *fakeFuzzer) Props() []Prop                             { return f.props }
func (f *fakeFuzzer) Build(tile TileCoord) (*Experiment, error) { return f.build(tile) }

var (
	keyX = ledger.FeatureKey{TileKind: "T", Bel: "B", Attr: "X", Value: "ON"}
	keyV = ledger.FeatureKey{TileKind: "T", Bel: "B", Attr: "V"}
)

func xFuzzer(props ...Prop) *fakeFuzzer {
	return &fakeFuzzer{
		name:  "T.B.X=ON",
		props: props,
		build: func(tile TileCoord) (*Experiment, error) {
			return &Experiment{
				Variants: []Design{{tile.Name + ".X": "ON"}},
				Targets:  []Target{{Key: keyX}},
			}, nil
		},
	}
}

func vFuzzer() *fakeFuzzer {
	return &fakeFuzzer{
		name: "T.B.V",
		build: func(tile TileCoord) (*Experiment, error) {
			return &Experiment{
				Variants: []Design{
					{tile.Name + ".V": "001"},
					{tile.Name + ".V": "010"},
					{tile.Name + ".V": "100"},
				},
				Targets: []Target{{Key: keyV, Decomposable: true}},
			}, nil
		},
	}
}

type fakeFamily struct {
	fuzzers []Fuzzer
}

func (f fakeFamily) Name() string             { return "fake" }
func (f fakeFamily) Fuzzers(Backend) []Fuzzer { return f.fuzzers }

func tileIs(name string, optional bool, indices ...int) Prop {
	return PropFunc{
		PropName: name,
		IsOpt:    optional,
		Fn: func(_ Backend, tile TileCoord) bool {
			for _, i := range indices {
				if tile.Index == i {
					return true
				}
			}
			return false
		},
	}
}

type countingObserver struct {
	produced, exhausted, batches, conflicts atomic.Int32
}

func (o *countingObserver) ExperimentProduced(string, string)          { o.produced.Add(1) }
func (o *countingObserver) GeneratorExhausted(string, string)          { o.exhausted.Add(1) }
func (o *countingObserver) BatchCompiled(string, int, time.Duration)   { o.batches.Add(1) }
func (o *countingObserver) ConflictRecorded(string, ledger.FeatureKey) { o.conflicts.Add(1) }

var errCompile = errors.New("toolchain crashed")
