package simdev

import (
	"maps"
	"slices"
	"strings"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

// Family produces one fuzzer per attribute value and one per bit-vector
// attribute of a simulated device.
type Family struct {
	dev *Device
}

// Family returns the fuzzers for d.
func (d *Device) Family() *Family {
	return &Family{dev: d}
}

func (f *Family) Name() string { return "simdev/" + f.dev.DeviceName() }

// Fuzzers implements fuzz.Family. The order is stable: attributes sorted by
// name, enum values in declaration order.
func (f *Family) Fuzzers(fuzz.Backend) []fuzz.Fuzzer {
	var out []fuzz.Fuzzer
	for _, name := range slices.Sorted(maps.Keys(f.dev.attrs)) {
		a := f.dev.attrs[name]
		if a.bitvec != nil {
			out = append(out, f.newFuzzer(a, ""))
			continue
		}
		for _, v := range a.order {
			out = append(out, f.newFuzzer(a, v))
		}
	}
	return out
}

func (f *Family) newFuzzer(a *attr, value string) *featureFuzzer {
	decl := a.bitvec
	if value != "" {
		decl = a.values[value]
	}
	fz := &featureFuzzer{
		attr:      a,
		value:     value,
		lanes:     len(decl.Bits),
		resources: decl.Exclusive(),
	}
	for _, tag := range decl.Needs() {
		fz.props = append(fz.props, f.tagProp("needs", tag, false))
	}
	for _, tag := range decl.Wants() {
		fz.props = append(fz.props, f.tagProp("wants", tag, true))
	}
	return fz
}

func (f *Family) tagProp(verb, tag string, optional bool) fuzz.Prop {
	dev := f.dev
	return fuzz.PropFunc{
		PropName: verb + " " + tag,
		IsOpt:    optional,
		Fn: func(_ fuzz.Backend, tile fuzz.TileCoord) bool {
			return dev.HasTag(tile.Name, tag)
		},
	}
}

type featureFuzzer struct {
	attr      *attr
	value     string // empty for bit-vector attributes
	lanes     int
	resources []string
	props     []fuzz.Prop
}

func (z *featureFuzzer) key() ledger.FeatureKey {
	return ledger.FeatureKey{TileKind: z.attr.tileKind, Bel: z.attr.bel, Attr: z.attr.name, Value: z.value}
}

func (z *featureFuzzer) Name() string       { return z.key().String() }
func (z *featureFuzzer) TileKind() string   { return z.attr.tileKind }
func (z *featureFuzzer) Props() []fuzz.Prop { return z.props }

// Build sets the attribute at the tile. Bit-vector attributes get one variant
// per lane with only that lane set.
func (z *featureFuzzer) Build(tile fuzz.TileCoord) (*fuzz.Experiment, error) {
	k := DesignKey(tile.Name, z.attr.bel, z.attr.name)
	exp := &fuzz.Experiment{
		Resources: slices.Clone(z.resources),
		Targets:   []fuzz.Target{{Key: z.key(), Decomposable: z.value == ""}},
	}
	if z.value != "" {
		exp.Variants = []fuzz.Design{{k: z.value}}
		return exp, nil
	}
	for lane := 0; lane < z.lanes; lane++ {
		exp.Variants = append(exp.Variants, fuzz.Design{k: onehot(z.lanes, lane)})
	}
	return exp, nil
}

// onehot renders a width-bit binary string with only bit lane set.
func onehot(width, lane int) string {
	b := []byte(strings.Repeat("0", width))
	b[width-1-lane] = '1'
	return string(b)
}
