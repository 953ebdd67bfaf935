package devdesc

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalid is wrapped by every semantic validation failure.
var ErrInvalid = errors.New("invalid device description")

// ValidationError lists every problem found in a description.
type ValidationError struct {
	Device   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("device %q: %s", e.Device, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

type validator struct {
	d        *Device
	problems []string

	banks    map[int]*BankDecl
	regs     map[string]int
	bankRegs map[string]int
	layouts  map[string][]regionShape // tile kind -> layout of its first instance
}

// regionShape is the part of a region that tile-local bit refs depend on.
type regionShape struct {
	kind   string
	frames int
	bits   int
}

func (v *validator) addf(pos fmt.Stringer, format string, args ...any) {
	v.problems = append(v.problems, pos.String()+": "+fmt.Sprintf(format, args...))
}

// Validate checks the description for semantic errors: undeclared banks,
// registers and tile kinds, out-of-range spans and bit references that fall
// outside the tile layout.
func (d *Device) Validate() error {
	v := &validator{
		d:        d,
		banks:    make(map[int]*BankDecl),
		regs:     make(map[string]int),
		bankRegs: make(map[string]int),
		layouts:  make(map[string][]regionShape),
	}
	if d.Name == "" {
		v.addf(d.Pos, "device name is empty")
	}
	v.checkBanks()
	v.checkRegisters()
	v.checkTiles()
	v.checkFeatures()

	if len(v.problems) > 0 {
		return &ValidationError{Device: d.Name, Problems: v.problems}
	}
	return nil
}

func (v *validator) checkBanks() {
	banks := v.d.Banks()
	if len(banks) == 0 {
		v.addf(v.d.Pos, "no banks declared")
	}
	for _, b := range banks {
		if _, dup := v.banks[b.Index]; dup {
			v.addf(b.Pos, "bank %d declared twice", b.Index)
			continue
		}
		v.banks[b.Index] = b
		if b.Frames < 1 || b.Width < 1 {
			v.addf(b.Pos, "bank %d needs at least one frame of at least one bit", b.Index)
		}
		for _, f := range b.Absent {
			if f >= b.Frames {
				v.addf(b.Pos, "bank %d: absent frame %d out of range", b.Index, f)
			}
		}
	}
	for i := range len(v.banks) {
		if _, ok := v.banks[i]; !ok {
			v.addf(v.d.Pos, "bank indices must run from 0: bank %d missing", i)
		}
	}
}

func (v *validator) checkRegisters() {
	for _, r := range v.d.Registers() {
		if _, dup := v.regs[r.Name]; dup {
			v.addf(r.Pos, "register %q declared twice", r.Name)
		}
		if r.Width < 1 {
			v.addf(r.Pos, "register %q has no bits", r.Name)
		}
		v.regs[r.Name] = r.Width
	}
	for _, r := range v.d.BankRegisters() {
		if _, dup := v.bankRegs[r.Name]; dup {
			v.addf(r.Pos, "bank register %q declared twice", r.Name)
		}
		if r.Width < 1 {
			v.addf(r.Pos, "bank register %q has no bits", r.Name)
		}
		v.bankRegs[r.Name] = r.Width
	}
}

func checkSpan(s Span, limit int) bool {
	if s.From < 0 || s.Len() < 1 {
		return false
	}
	return s.From+s.Len() <= limit
}

func (v *validator) checkTiles() {
	names := make(map[string]bool)
	for _, t := range v.d.Tiles() {
		if names[t.Name] {
			v.addf(t.Pos, "tile %q declared twice", t.Name)
		}
		names[t.Name] = true
		if len(t.Regions) == 0 {
			v.addf(t.Pos, "tile %q owns no regions", t.Name)
		}

		var layout []regionShape
		for _, r := range t.Regions {
			layout = append(layout, v.checkRegion(t, r))
		}
		if first, ok := v.layouts[t.Kind]; ok {
			if !slices.Equal(first, layout) {
				v.addf(t.Pos, "tile %q: layout differs from other %s tiles", t.Name, t.Kind)
			}
		} else {
			v.layouts[t.Kind] = layout
		}
	}
}

func (v *validator) checkRegion(t *TileDecl, r *RegionDecl) regionShape {
	switch {
	case r.Grid != nil:
		g := r.Grid
		shape := regionShape{kind: "grid", frames: g.Frames.Len(), bits: g.Bits.Len()}
		b, ok := v.banks[g.Bank]
		if !ok {
			v.addf(g.Pos, "tile %q: unknown bank %d", t.Name, g.Bank)
			return shape
		}
		if !checkSpan(g.Frames, b.Frames) {
			v.addf(g.Pos, "tile %q: frames %v outside bank %d", t.Name, g.Frames, g.Bank)
		} else {
			for f := g.Frames.From; f < g.Frames.From+g.Frames.Len(); f++ {
				if slices.Contains(b.Absent, f) {
					v.addf(g.Pos, "tile %q: frame %d is absent", t.Name, f)
				}
			}
		}
		if !checkSpan(g.Bits, b.Width) {
			v.addf(g.Pos, "tile %q: bits %v outside frame width %d", t.Name, g.Bits, b.Width)
		}
		if g.Quadrant != nil && (g.Quadrant.Index < 0 || g.Quadrant.Index > 3) {
			v.addf(g.Pos, "tile %q: quadrant %d out of range", t.Name, g.Quadrant.Index)
		}
		return shape

	case r.Register != nil:
		reg := r.Register
		shape := regionShape{kind: "register", frames: 1, bits: reg.Bits.Len()}
		width, ok := v.regs[reg.Name]
		if !ok {
			v.addf(reg.Pos, "tile %q: unknown register %q", t.Name, reg.Name)
		} else if !checkSpan(reg.Bits, width) {
			v.addf(reg.Pos, "tile %q: bits %v outside register %q", t.Name, reg.Bits, reg.Name)
		}
		return shape

	default:
		reg := r.BankRegister
		shape := regionShape{kind: "bankregister", frames: 1, bits: reg.Bits.Len()}
		if _, ok := v.banks[reg.Bank]; !ok {
			v.addf(reg.Pos, "tile %q: unknown bank %d", t.Name, reg.Bank)
		}
		width, ok := v.bankRegs[reg.Name]
		if !ok {
			v.addf(reg.Pos, "tile %q: unknown bank register %q", t.Name, reg.Name)
		} else if !checkSpan(reg.Bits, width) {
			v.addf(reg.Pos, "tile %q: bits %v outside bank register %q", t.Name, reg.Bits, reg.Name)
		}
		return shape
	}
}

func (v *validator) checkFeatures() {
	// kind per attribute: true for bit-vector
	bitvec := make(map[string]bool)
	values := make(map[string]bool)

	for _, f := range v.d.Features() {
		layout, ok := v.layouts[f.TileKind]
		if !ok {
			v.addf(f.Pos, "feature %s: unknown tile kind %s", f.AttrName(), f.TileKind)
			continue
		}

		attr := f.AttrName()
		if prev, seen := bitvec[attr]; seen {
			if prev != f.IsBitVec() {
				v.addf(f.Pos, "feature %s mixes valued and bit-vector declarations", attr)
			} else if f.IsBitVec() {
				v.addf(f.Pos, "bit-vector feature %s declared twice", attr)
			}
		}
		bitvec[attr] = f.IsBitVec()
		if !f.IsBitVec() {
			if values[attr+"="+f.Value] {
				v.addf(f.Pos, "feature %s=%s declared twice", attr, f.Value)
			}
			values[attr+"="+f.Value] = true
		}

		seen := make(map[string]bool)
		for i, b := range f.Bits {
			if b.Tile < 0 || b.Tile >= len(layout) {
				v.addf(f.Pos, "feature %s: bit %v names region %d of %d", attr, b, b.Tile, len(layout))
				continue
			}
			shape := layout[b.Tile]
			if b.Frame < 0 || b.Frame >= shape.frames || b.Bit < 0 || b.Bit >= shape.bits {
				v.addf(f.Pos, "feature %s: bit %v outside its region", attr, b)
				continue
			}
			if f.Flaky() && i == 0 && b.Bit+1 >= shape.bits {
				v.addf(f.Pos, "feature %s: flaky bit %v has no neighbor to move to", attr, b)
			}
			key := b.TileBit().String()
			if seen[key] {
				v.addf(f.Pos, "feature %s: bit %v listed twice", attr, b)
			}
			seen[key] = true
		}
	}
}
