// Package simdev is a simulated device backend. It compiles designs into
// configuration images using a hidden attribute encoding read from a device
// description, so a fuzzing session can be checked against a known answer.
package simdev

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitimage"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/devdesc"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"
)

// Device implements fuzz.Backend on top of a parsed description.
type Device struct {
	desc     *devdesc.Device
	shape    bitimage.Shape
	defaults *bitimage.Image

	kinds map[string][]fuzz.TileCoord
	tiles map[string]*tile
	attrs map[string]*attr // "KIND:BEL.ATTR"

	// OnCompile, if set, is called with the number of designs in every
	// Compile call.
	OnCompile func(designs int)
}

type tile struct {
	decl    *devdesc.TileDecl
	coord   fuzz.TileCoord
	regions []bitaddr.Region
}

type attr struct {
	tileKind, bel, name string

	bitvec *devdesc.FeatureDecl
	values map[string]*devdesc.FeatureDecl
	order  []string // value declaration order
}

// New builds a simulated device. desc must have passed Validate.
func New(desc *devdesc.Device) (*Device, error) {
	d := &Device{
		desc:  desc,
		kinds: make(map[string][]fuzz.TileCoord),
		tiles: make(map[string]*tile),
		attrs: make(map[string]*attr),
	}
	d.shape = shapeOf(desc)

	for _, td := range desc.Tiles() {
		coord := fuzz.TileCoord{Kind: td.Kind, Name: td.Name, Index: len(d.kinds[td.Kind])}
		d.kinds[td.Kind] = append(d.kinds[td.Kind], coord)
		d.tiles[td.Name] = &tile{decl: td, coord: coord, regions: td.RegionList()}
	}

	for _, f := range desc.Features() {
		name := f.AttrName()
		a, ok := d.attrs[name]
		if !ok {
			a = &attr{tileKind: f.TileKind, bel: f.Bel, name: f.Attr, values: make(map[string]*devdesc.FeatureDecl)}
			d.attrs[name] = a
		}
		if f.IsBitVec() {
			a.bitvec = f
		} else {
			a.values[f.Value] = f
			a.order = append(a.order, f.Value)
		}
	}

	d.defaults = bitimage.New(d.shape)
	for _, td := range desc.Tiles() {
		t := d.tiles[td.Name]
		for _, f := range desc.Features() {
			if f.TileKind != td.Kind {
				continue
			}
			for i, b := range f.Bits {
				if !b.Invert {
					continue
				}
				if err := d.setBit(d.defaults, t, f, i, true); err != nil {
					return nil, fmt.Errorf("simdev: default image: %w", err)
				}
			}
		}
	}
	return d, nil
}

func shapeOf(desc *devdesc.Device) bitimage.Shape {
	banks := desc.Banks()
	slices.SortFunc(banks, func(a, b *devdesc.BankDecl) int { return a.Index - b.Index })

	bankRegs := make(map[string]int)
	for _, r := range desc.BankRegisters() {
		bankRegs[r.Name] = r.Width
	}
	shape := bitimage.Shape{
		Banks:     make([]bitimage.BankShape, len(banks)),
		Registers: make(map[string]int),
	}
	for i, b := range banks {
		present := make([]bool, b.Frames)
		for f := range present {
			present[f] = !slices.Contains(b.Absent, f)
		}
		shape.Banks[i] = bitimage.BankShape{
			FrameBits: b.Width,
			Present:   present,
			Registers: maps.Clone(bankRegs),
		}
	}
	for _, r := range desc.Registers() {
		shape.Registers[r.Name] = r.Width
	}
	return shape
}

// DeviceName implements fuzz.Backend.
func (d *Device) DeviceName() string { return d.desc.Name }

// Description returns the parsed description the device was built from.
func (d *Device) Description() *devdesc.Device { return d.desc }

// Shape returns the image geometry.
func (d *Device) Shape() bitimage.Shape { return d.shape }

// Instances implements fuzz.Backend.
func (d *Device) Instances(kind string) []fuzz.TileCoord {
	return slices.Clone(d.kinds[kind])
}

// Kinds returns the tile kinds in sorted order.
func (d *Device) Kinds() []string {
	return slices.Sorted(maps.Keys(d.kinds))
}

// TileBits implements fuzz.Backend.
func (d *Device) TileBits(_ context.Context, tc fuzz.TileCoord) ([]bitaddr.Region, error) {
	t, ok := d.tiles[tc.Name]
	if !ok || t.coord.Kind != tc.Kind {
		return nil, fmt.Errorf("simdev: unknown tile %v", tc)
	}
	return slices.Clone(t.regions), nil
}

// HasTag reports whether the named tile carries a tag.
func (d *Device) HasTag(tileName, tag string) bool {
	t, ok := d.tiles[tileName]
	return ok && t.decl.HasTag(tag)
}

// DesignKey returns the design key that sets an attribute of a tile.
func DesignKey(tileName, bel, attr string) string {
	return tileName + "." + bel + "." + attr
}

// splitKey undoes DesignKey. Tile names may themselves contain dots.
func splitKey(key string) (tileName, bel, attr string, ok bool) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", "", "", false
	}
	j := strings.LastIndexByte(key[:i], '.')
	if j <= 0 {
		return "", "", "", false
	}
	return key[:j], key[j+1 : i], key[i+1:], true
}

type setting struct {
	tile *tile
	attr *attr
	// enum: the selected value; bitvec: lane pattern, lane i is char i from
	// the right
	value string
}

func (d *Device) lookup(key, value string) (setting, error) {
	tileName, bel, name, ok := splitKey(key)
	if !ok {
		return setting{}, fmt.Errorf("malformed key %q", key)
	}
	t, ok := d.tiles[tileName]
	if !ok {
		return setting{}, fmt.Errorf("%s: unknown tile %q", key, tileName)
	}
	a, ok := d.attrs[t.decl.Kind+":"+bel+"."+name]
	if !ok {
		return setting{}, fmt.Errorf("%s: tile kind %s has no attribute %s.%s", key, t.decl.Kind, bel, name)
	}
	if a.bitvec != nil {
		if value == "" || len(value) > len(a.bitvec.Bits) || strings.Trim(value, "01") != "" {
			return setting{}, fmt.Errorf("%s: %q is not a %d-bit binary value", key, value, len(a.bitvec.Bits))
		}
	} else if _, ok := a.values[value]; !ok {
		return setting{}, fmt.Errorf("%s: unknown value %q", key, value)
	}
	return setting{tile: t, attr: a, value: value}, nil
}

// Validate implements fuzz.Backend. A design is illegal when it names an
// unknown tile, attribute or value, or when two tiles claim the same
// exclusive resource.
func (d *Device) Validate(ctx context.Context, design fuzz.Design) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	claims := make(map[string]string)
	for _, key := range design.Keys() {
		s, err := d.lookup(key, design[key])
		if err != nil {
			return fmt.Errorf("simdev: %w", err)
		}
		f := s.feature()
		if f == nil {
			continue
		}
		for _, res := range f.Exclusive() {
			if owner, ok := claims[res]; ok && owner != s.tile.decl.Name {
				return fmt.Errorf("simdev: %s: resource %q already claimed by %s", key, res, owner)
			}
			claims[res] = s.tile.decl.Name
		}
	}
	return nil
}

func (s setting) feature() *devdesc.FeatureDecl {
	if s.attr.bitvec != nil {
		return s.attr.bitvec
	}
	return s.attr.values[s.value]
}

// Compile implements fuzz.Backend.
func (d *Device) Compile(ctx context.Context, designs []fuzz.Design) ([]*bitimage.Image, error) {
	if d.OnCompile != nil {
		d.OnCompile(len(designs))
	}
	out := make([]*bitimage.Image, len(designs))
	for n, design := range designs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := d.compile(ctx, design)
		if err != nil {
			return nil, fmt.Errorf("simdev: design %d: %w", n, err)
		}
		out[n] = img
	}
	return out, nil
}

func (d *Device) compile(ctx context.Context, design fuzz.Design) (*bitimage.Image, error) {
	if err := d.Validate(ctx, design); err != nil {
		return nil, err
	}
	img := d.defaults.Clone()
	for _, key := range design.Keys() {
		s, err := d.lookup(key, design[key])
		if err != nil {
			return nil, err
		}
		f := s.feature()
		for i, b := range f.Bits {
			if s.attr.bitvec != nil && !laneSet(s.value, i) {
				continue
			}
			if err := d.setBit(img, s.tile, f, i, !b.Invert); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return img, nil
}

func laneSet(value string, lane int) bool {
	i := len(value) - 1 - lane
	return i >= 0 && value[i] == '1'
}

// setBit drives bit i of feature f at tile t. Flaky features put their first
// bit one position over on odd instances.
func (d *Device) setBit(img *bitimage.Image, t *tile, f *devdesc.FeatureDecl, i int, v bool) error {
	b := f.Bits[i]
	c := bitaddr.Coord{Frame: b.Frame, Bit: b.Bit}
	if f.Flaky() && i == 0 && t.coord.Index%2 == 1 {
		c.Bit++
	}
	addr, err := t.regions[b.Tile].Forward(c)
	if err != nil {
		return err
	}
	return img.Set(addr, v)
}
