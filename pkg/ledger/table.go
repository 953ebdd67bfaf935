package ledger

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
)

// AttrKey identifies an attribute of a bel in a tile kind.
type AttrKey struct {
	TileKind string `json:"tile_kind" yaml:"tile_kind"`
	Bel      string `json:"bel" yaml:"bel"`
	Attr     string `json:"attr" yaml:"attr"`
}

func (k AttrKey) String() string {
	return k.TileKind + ":" + k.Bel + "." + k.Attr
}

func compareAttrKeys(a, b AttrKey) int {
	return cmp.Or(
		cmp.Compare(a.TileKind, b.TileKind),
		cmp.Compare(a.Bel, b.Bel),
		cmp.Compare(a.Attr, b.Attr),
	)
}

// AttrKind tells how an attribute's bits encode its value.
type AttrKind string

const (
	// AttrBitVec is a multi-bit field: bit i of the value drives Bits[i].
	AttrBitVec AttrKind = "bitvec"
	// AttrEnum is a multi-valued attribute: each named value sets a pattern
	// over Bits.
	AttrEnum AttrKind = "enum"
)

// BitRef is one tile-local bit of an attribute. Invert is set when the bit is
// cleared, rather than set, to select a non-default value.
type BitRef struct {
	Tile   int  `json:"tile" yaml:"tile"`
	Frame  int  `json:"frame" yaml:"frame"`
	Bit    int  `json:"bit" yaml:"bit"`
	Invert bool `json:"invert,omitempty" yaml:"invert,omitempty"`
}

// TileBit drops the inversion flag.
func (r BitRef) TileBit() bitaddr.TileBit {
	return bitaddr.TileBit{Tile: r.Tile, Frame: r.Frame, Bit: r.Bit}
}

// AttrDesc describes the discovered encoding of one attribute.
type AttrDesc struct {
	Key  AttrKey  `json:"key" yaml:"key"`
	Kind AttrKind `json:"kind" yaml:"kind"`
	Bits []BitRef `json:"bits" yaml:"bits"`
	// Values maps each enum value to its pattern over Bits; true means the
	// bit is driven away from its default.
	Values  map[string][]bool `json:"values,omitempty" yaml:"values,omitempty"`
	Sources []string          `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// Table is the finalized attribute database of one device.
type Table struct {
	Device   string                `json:"device" yaml:"device"`
	Attrs    map[AttrKey]*AttrDesc `json:"-" yaml:"-"`
	Problems []string              `json:"problems,omitempty" yaml:"problems,omitempty"`
}

// Keys returns the attribute keys in sorted order.
func (t *Table) Keys() []AttrKey {
	return slices.SortedFunc(maps.Keys(t.Attrs), compareAttrKeys)
}

// Get looks up one attribute.
func (t *Table) Get(tileKind, bel, attr string) (*AttrDesc, bool) {
	d, ok := t.Attrs[AttrKey{TileKind: tileKind, Bel: bel, Attr: attr}]
	return d, ok
}

// Table finalizes the ledger into an attribute table. Entries that cannot be
// turned into a consistent encoding are skipped and described in
// Table.Problems.
func (l *Ledger) Table(device string) *Table {
	t := &Table{
		Device: device,
		Attrs:  make(map[AttrKey]*AttrDesc),
	}

	groups := make(map[AttrKey][]FeatureKey)
	for _, key := range l.Keys() {
		groups[key.Attribute()] = append(groups[key.Attribute()], key)
	}

	for _, ak := range slices.SortedFunc(maps.Keys(groups), compareAttrKeys) {
		keys := groups[ak]
		enum := slices.ContainsFunc(keys, func(k FeatureKey) bool { return k.Value != "" })

		var desc *AttrDesc
		var problem string
		if enum {
			desc, problem = l.enumAttr(ak, keys)
		} else {
			desc, problem = l.bitVecAttr(ak, keys)
		}
		if problem != "" {
			t.Problems = append(t.Problems, fmt.Sprintf("%v: %s", ak, problem))
			continue
		}
		t.Attrs[ak] = desc
	}
	return t
}

func (l *Ledger) sourcesOf(keys []FeatureKey) []string {
	var ids []ExperimentID
	for _, k := range keys {
		ids = appendUnique(ids, l.entries[k].Sources)
	}
	if len(ids) == 0 {
		return nil
	}
	slices.SortFunc(ids, compareIDs)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func (l *Ledger) bitVecAttr(ak AttrKey, keys []FeatureKey) (*AttrDesc, string) {
	lanes := make(map[int]TileDiff)
	setLane := func(i int, d TileDiff) string {
		if prev, ok := lanes[i]; ok && !prev.Equal(d) {
			return fmt.Sprintf("lane %d observed as both %v and %v", i, prev, d)
		}
		lanes[i] = d
		return ""
	}

	// Lane sub-keys take precedence; whole-attribute records fill the rest.
	for _, k := range keys {
		if !k.HasLane {
			continue
		}
		e := l.entries[k]
		if len(e.Diffs) != 1 {
			return nil, fmt.Sprintf("lane %d has %d diffs", k.Lane, len(e.Diffs))
		}
		if p := setLane(k.Lane, e.Diffs[0]); p != "" {
			return nil, p
		}
	}
	for _, k := range keys {
		if k.HasLane {
			continue
		}
		for i, d := range l.entries[k].Diffs {
			if p := setLane(i, d); p != "" {
				return nil, p
			}
		}
	}

	width := 0
	for i := range lanes {
		width = max(width, i+1)
	}
	desc := &AttrDesc{
		Key:     ak,
		Kind:    AttrBitVec,
		Bits:    make([]BitRef, width),
		Sources: l.sourcesOf(keys),
	}
	for i := 0; i < width; i++ {
		d, ok := lanes[i]
		if !ok {
			return nil, fmt.Sprintf("lane %d never observed", i)
		}
		if len(d) != 1 {
			return nil, fmt.Sprintf("lane %d touches %d bits", i, len(d))
		}
		for tb, v := range d {
			desc.Bits[i] = BitRef{Tile: tb.Tile, Frame: tb.Frame, Bit: tb.Bit, Invert: !v}
		}
	}
	return desc, ""
}

func (l *Ledger) enumAttr(ak AttrKey, keys []FeatureKey) (*AttrDesc, string) {
	// newValue records the value a bit takes when it leaves its default.
	newValue := make(map[bitaddr.TileBit]bool)
	perValue := make(map[string]TileDiff)

	for _, k := range keys {
		if k.Value == "" || k.HasLane {
			return nil, fmt.Sprintf("mixes valued and unvalued keys (%v)", k)
		}
		e := l.entries[k]
		if len(e.Diffs) != 1 {
			return nil, fmt.Sprintf("value %s has %d diffs", k.Value, len(e.Diffs))
		}
		d := e.Diffs[0]
		for tb, v := range d {
			if prev, ok := newValue[tb]; ok && prev != v {
				return nil, fmt.Sprintf("bit %v moves in both directions", tb)
			}
			newValue[tb] = v
		}
		perValue[k.Value] = d
	}

	bits := slices.SortedFunc(maps.Keys(newValue), bitaddr.CompareTileBits)
	desc := &AttrDesc{
		Key:     ak,
		Kind:    AttrEnum,
		Bits:    make([]BitRef, len(bits)),
		Values:  make(map[string][]bool, len(perValue)),
		Sources: l.sourcesOf(keys),
	}
	for i, tb := range bits {
		desc.Bits[i] = BitRef{Tile: tb.Tile, Frame: tb.Frame, Bit: tb.Bit, Invert: !newValue[tb]}
	}
	for value, d := range perValue {
		pattern := make([]bool, len(bits))
		for i, tb := range bits {
			_, pattern[i] = d[tb]
		}
		desc.Values[value] = pattern
	}
	return desc, ""
}

type tableExport struct {
	Device   string      `json:"device" yaml:"device"`
	Attrs    []*AttrDesc `json:"attributes" yaml:"attributes"`
	Problems []string    `json:"problems,omitempty" yaml:"problems,omitempty"`
}

func (t *Table) export() tableExport {
	out := tableExport{Device: t.Device, Problems: t.Problems}
	for _, k := range t.Keys() {
		out.Attrs = append(out.Attrs, t.Attrs[k])
	}
	return out
}

// ExportJSON renders the table as indented JSON.
func (t *Table) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(t.export(), "", "  ")
}

// ExportYAML renders the table as YAML.
func (t *Table) ExportYAML() ([]byte, error) {
	return yaml.Marshal(t.export())
}

// ImportJSON parses a table written by ExportJSON.
func ImportJSON(data []byte) (*Table, error) {
	var in tableExport
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("ledger: parse table: %w", err)
	}
	t := &Table{
		Device:   in.Device,
		Attrs:    make(map[AttrKey]*AttrDesc, len(in.Attrs)),
		Problems: in.Problems,
	}
	for _, a := range in.Attrs {
		t.Attrs[a.Key] = a
	}
	return t, nil
}
