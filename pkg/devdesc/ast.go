package devdesc

import (
	"fmt"

	"github.com/alecthomas/participle/v2/lexer"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
)

// File is a complete device description file.
type File struct {
	Device *Device `@@`
}

// Device is the top-level declaration.
// Example: device "sim8" { ... }
type Device struct {
	Pos lexer.Position

	Name  string  `"device" @String "{"`
	Items []*Item `@@* "}"`
}

// Item is one declaration inside a device block.
type Item struct {
	Bank         *BankDecl         `  @@`
	Register     *RegisterDecl     `| @@`
	BankRegister *BankRegisterDecl `| @@`
	Tile         *TileDecl         `| @@`
	Feature      *FeatureDecl      `| @@`
}

// BankDecl declares a frame bank.
// Example: bank 0 frames 8 width 32 absent 3, 5;
type BankDecl struct {
	Pos lexer.Position

	Index  int   `"bank" @Int`
	Frames int   `"frames" @Int`
	Width  int   `"width" @Int`
	Absent []int `( "absent" @Int ( "," @Int )* )? ";"`
}

// RegisterDecl declares a global scalar register.
// Example: register "CTRL" width 16;
type RegisterDecl struct {
	Pos lexer.Position

	Name  string `"register" @String`
	Width int    `"width" @Int ";"`
}

// BankRegisterDecl declares a scalar register present in every bank.
// Example: bankregister "IOSTD" width 4;
type BankRegisterDecl struct {
	Pos lexer.Position

	Name  string `"bankregister" @String`
	Width int    `"width" @Int ";"`
}

// TileDecl declares one tile instance and the regions it owns.
// Example: tile PLC "R1C1" tags CARRY, CLK { grid bank 0 frames 0..3 bits 0..7; }
type TileDecl struct {
	Pos lexer.Position

	Kind    string        `"tile" @Ident`
	Name    string        `@String`
	Tags    []string      `( "tags" @Ident ( "," @Ident )* )?`
	Regions []*RegionDecl `"{" @@* "}"`
}

// HasTag reports whether the tile carries the tag.
func (t *TileDecl) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// RegionDecl is one region of a tile, in tile-local order.
type RegionDecl struct {
	Grid         *GridDecl         `  @@`
	Register     *TileRegisterDecl `| @@`
	BankRegister *TileBankRegDecl  `| @@`
}

// GridDecl is a rectangle of frame bits.
// Example: grid bank 0 quadrant 1 mirror frames 0..3 bits 0..7;
type GridDecl struct {
	Pos lexer.Position

	Bank     int       `"grid" "bank" @Int`
	Quadrant *Quadrant `@@?`
	Frames   Span      `"frames" @@`
	Bits     Span      `"bits" @@ ";"`
}

// Quadrant places a grid in a die quadrant. With Mirror set the layout is
// flipped according to the quadrant parity.
type Quadrant struct {
	Index  int  `"quadrant" @Int`
	Mirror bool `@"mirror"?`
}

// TileRegisterDecl is a slice of a global register.
// Example: register "CTRL" bits 0..7;
type TileRegisterDecl struct {
	Pos lexer.Position

	Name string `"register" @String`
	Bits Span   `"bits" @@ ";"`
}

// TileBankRegDecl is a slice of a per-bank register.
// Example: bankregister "IOSTD" bank 0 bits 0..3;
type TileBankRegDecl struct {
	Pos lexer.Position

	Name string `"bankregister" @String`
	Bank int    `"bank" @Int`
	Bits Span   `"bits" @@ ";"`
}

// Span is an inclusive index range, or a single index.
type Span struct {
	From int  `@Int`
	To   *int `( Range @Int )?`
}

// Len returns the number of indices in the span.
func (s Span) Len() int {
	if s.To == nil {
		return 1
	}
	return *s.To - s.From + 1
}

func (s Span) String() string {
	if s.To == nil {
		return fmt.Sprint(s.From)
	}
	return fmt.Sprintf("%d..%d", s.From, *s.To)
}

// FeatureDecl declares the hidden encoding of one attribute value, or of a
// whole bit-vector attribute when Value is empty.
// Example: feature PLC SLICE MODE = LOGIC needs CARRY flaky bits 0:1:2, !0:1:3;
type FeatureDecl struct {
	Pos lexer.Position

	TileKind string           `"feature" @Ident`
	Bel      string           `@Ident`
	Attr     string           `@Ident`
	Value    string           `( "=" @( Ident | Int ) )?`
	Options  []*FeatureOption `@@*`
	Bits     []*BitRef        `"bits" @@ ( "," @@ )* ";"`
}

// FeatureOption is one of the optional clauses of a feature.
type FeatureOption struct {
	Needs     []string `  "needs" @Ident ( "," @Ident )*`
	Wants     []string `| "wants" @Ident ( "," @Ident )*`
	Exclusive *string  `| "exclusive" @String`
	Flaky     bool     `| @"flaky"`
}

// BitRef is a tile-local bit: region index, frame and bit within the region.
// A leading "!" marks a bit that is set by default and cleared when the
// feature is enabled.
type BitRef struct {
	Invert bool `@"!"?`
	Tile   int  `@Int ":"`
	Frame  int  `@Int ":"`
	Bit    int  `@Int`
}

// TileBit drops the inversion flag.
func (b *BitRef) TileBit() bitaddr.TileBit {
	return bitaddr.TileBit{Tile: b.Tile, Frame: b.Frame, Bit: b.Bit}
}

func (b *BitRef) String() string {
	if b.Invert {
		return "!" + b.TileBit().String()
	}
	return b.TileBit().String()
}

// Needs returns the tags a location must carry.
func (f *FeatureDecl) Needs() []string {
	var out []string
	for _, o := range f.Options {
		out = append(out, o.Needs...)
	}
	return out
}

// Wants returns the tags a location should preferably carry.
func (f *FeatureDecl) Wants() []string {
	var out []string
	for _, o := range f.Options {
		out = append(out, o.Wants...)
	}
	return out
}

// Exclusive returns the resources the feature claims.
func (f *FeatureDecl) Exclusive() []string {
	var out []string
	for _, o := range f.Options {
		if o.Exclusive != nil {
			out = append(out, *o.Exclusive)
		}
	}
	return out
}

// Flaky reports whether the encoding depends on the instance.
func (f *FeatureDecl) Flaky() bool {
	for _, o := range f.Options {
		if o.Flaky {
			return true
		}
	}
	return false
}

// IsBitVec reports whether the feature describes a bit-vector attribute.
func (f *FeatureDecl) IsBitVec() bool {
	return f.Value == ""
}

// AttrName returns "KIND:BEL.ATTR".
func (f *FeatureDecl) AttrName() string {
	return f.TileKind + ":" + f.Bel + "." + f.Attr
}

// Banks returns the bank declarations in source order.
func (d *Device) Banks() []*BankDecl {
	var out []*BankDecl
	for _, it := range d.Items {
		if it.Bank != nil {
			out = append(out, it.Bank)
		}
	}
	return out
}

// Registers returns the global register declarations.
func (d *Device) Registers() []*RegisterDecl {
	var out []*RegisterDecl
	for _, it := range d.Items {
		if it.Register != nil {
			out = append(out, it.Register)
		}
	}
	return out
}

// BankRegisters returns the per-bank register declarations.
func (d *Device) BankRegisters() []*BankRegisterDecl {
	var out []*BankRegisterDecl
	for _, it := range d.Items {
		if it.BankRegister != nil {
			out = append(out, it.BankRegister)
		}
	}
	return out
}

// Tiles returns the tile declarations in source order.
func (d *Device) Tiles() []*TileDecl {
	var out []*TileDecl
	for _, it := range d.Items {
		if it.Tile != nil {
			out = append(out, it.Tile)
		}
	}
	return out
}

// TilesOfKind returns the instances of one tile kind in source order.
func (d *Device) TilesOfKind(kind string) []*TileDecl {
	var out []*TileDecl
	for _, t := range d.Tiles() {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Features returns the feature declarations in source order.
func (d *Device) Features() []*FeatureDecl {
	var out []*FeatureDecl
	for _, it := range d.Items {
		if it.Feature != nil {
			out = append(out, it.Feature)
		}
	}
	return out
}

// Region converts a region declaration of tile t into an address region.
func (r *RegionDecl) Region(t *TileDecl, index int) bitaddr.Region {
	name := fmt.Sprintf("%s/%d", t.Name, index)
	switch {
	case r.Grid != nil:
		g := r.Grid
		reg := bitaddr.Grid(name, g.Bank, g.Frames.From, g.Frames.Len(), g.Bits.From, g.Bits.Len())
		if g.Quadrant != nil {
			reg.Quadrant = g.Quadrant.Index
			reg.Mirror = g.Quadrant.Mirror
		}
		return reg
	case r.Register != nil:
		return bitaddr.Register(name, r.Register.Name, r.Register.Bits.From, r.Register.Bits.Len())
	default:
		b := r.BankRegister
		return bitaddr.BankRegister(name, b.Bank, b.Name, b.Bits.From, b.Bits.Len())
	}
}

// RegionList converts every region of the tile, in tile-local order.
func (t *TileDecl) RegionList() []bitaddr.Region {
	out := make([]bitaddr.Region, len(t.Regions))
	for i, r := range t.Regions {
		out[i] = r.Region(t, i)
	}
	return out
}
