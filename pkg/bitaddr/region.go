package bitaddr

import (
	"errors"
	"fmt"
)

// ErrOutOfRegion is returned by Forward for coordinates outside a region.
var ErrOutOfRegion = errors.New("bitaddr: coordinate outside region")

// RegionKind distinguishes the address space a Region covers.
type RegionKind int

const (
	// RegionGrid is a rectangle of frames and bits inside one bank.
	RegionGrid RegionKind = iota
	// RegionRegister is a bit range of a named global register.
	RegionRegister
	// RegionBankRegister is a bit range of a named per-bank register.
	RegionBankRegister
)

func (k RegionKind) String() string {
	switch k {
	case RegionGrid:
		return "grid"
	case RegionRegister:
		return "register"
	case RegionBankRegister:
		return "bankregister"
	default:
		return fmt.Sprintf("regionkind(%d)", int(k))
	}
}

// Region is one tile's window into the raw address space. Regions are plain
// values derived from static topology and never change after construction.
type Region struct {
	Name string
	Kind RegionKind

	Bank     int    // Grid and BankRegister
	Register string // Register and BankRegister

	Frame  int // First raw frame (Grid only)
	Frames int // Frame extent (Grid only; registers are one frame tall)
	Bit    int // First raw bit
	Bits   int // Bit extent

	Quadrant int  // Quadrant identity, drives mirroring parity
	Mirror   bool // Mirror indexing according to the quadrant parity
}

// Grid returns an unmirrored frame/bit rectangle.
func Grid(name string, bank, frame, frames, bit, bits int) Region {
	return Region{
		Name:   name,
		Kind:   RegionGrid,
		Bank:   bank,
		Frame:  frame,
		Frames: frames,
		Bit:    bit,
		Bits:   bits,
	}
}

// Register returns a region over bits [bit, bit+bits) of a global register.
func Register(name, register string, bit, bits int) Region {
	return Region{
		Name:     name,
		Kind:     RegionRegister,
		Register: register,
		Frames:   1,
		Bit:      bit,
		Bits:     bits,
	}
}

// BankRegister returns a region over bits [bit, bit+bits) of a per-bank
// register.
func BankRegister(name string, bank int, register string, bit, bits int) Region {
	return Region{
		Name:     name,
		Kind:     RegionBankRegister,
		Bank:     bank,
		Register: register,
		Frames:   1,
		Bit:      bit,
		Bits:     bits,
	}
}

// Mirrored returns a copy of r placed in quadrant q with mirroring enabled.
func (r Region) Mirrored(q int) Region {
	r.Quadrant = q
	r.Mirror = true
	return r
}

// MirrorForQuadrant reports which axes are inverted for a mirrored region in
// quadrant q. Odd quadrants invert frame order; quadrants 2 and 3 invert bit
// order. Quadrant 0 is the reference orientation.
func MirrorForQuadrant(q int) (flipFrames, flipBits bool) {
	return q&1 == 1, q&2 != 0
}

func (r Region) flips() (bool, bool) {
	if !r.Mirror {
		return false, false
	}
	return MirrorForQuadrant(r.Quadrant)
}

func (r Region) height() int {
	if r.Kind != RegionGrid {
		return 1
	}
	return r.Frames
}

// Contains reports whether c is a valid tile-local coordinate of r.
func (r Region) Contains(c Coord) bool {
	return c.Frame >= 0 && c.Frame < r.height() && c.Bit >= 0 && c.Bit < r.Bits
}

// Forward translates a tile-local coordinate into a raw address.
func (r Region) Forward(c Coord) (RawAddress, error) {
	if !r.Contains(c) {
		return RawAddress{}, fmt.Errorf("%w: %v not in %v", ErrOutOfRegion, c, r)
	}
	flipFrames, flipBits := r.flips()
	frame, bit := c.Frame, c.Bit
	if flipFrames {
		frame = r.height() - 1 - frame
	}
	if flipBits {
		bit = r.Bits - 1 - bit
	}

	switch r.Kind {
	case RegionRegister:
		return RegisterBit(r.Register, r.Bit+bit), nil
	case RegionBankRegister:
		return BankRegisterBit(r.Bank, r.Register, r.Bit+bit), nil
	default:
		return FrameBit(r.Bank, r.Frame+frame, r.Bit+bit), nil
	}
}

// Reverse translates a raw address into a tile-local coordinate. It returns
// false when the address belongs to a different bank or register, or falls
// outside the region's extents.
func (r Region) Reverse(a RawAddress) (Coord, bool) {
	var frame int
	switch r.Kind {
	case RegionGrid:
		if a.Kind != KindFrame || a.Bank != r.Bank {
			return Coord{}, false
		}
		frame = a.Frame - r.Frame
	case RegionRegister:
		if a.Kind != KindRegister || a.Register != r.Register {
			return Coord{}, false
		}
	case RegionBankRegister:
		if a.Kind != KindBankRegister || a.Bank != r.Bank || a.Register != r.Register {
			return Coord{}, false
		}
	default:
		return Coord{}, false
	}

	c := Coord{Frame: frame, Bit: a.Bit - r.Bit}
	if !r.Contains(c) {
		return Coord{}, false
	}

	flipFrames, flipBits := r.flips()
	if flipFrames {
		c.Frame = r.height() - 1 - c.Frame
	}
	if flipBits {
		c.Bit = r.Bits - 1 - c.Bit
	}
	return c, true
}

func (r Region) String() string {
	var body string
	switch r.Kind {
	case RegionRegister:
		body = fmt.Sprintf("%s[%d..%d]", r.Register, r.Bit, r.Bit+r.Bits-1)
	case RegionBankRegister:
		body = fmt.Sprintf("B%d.%s[%d..%d]", r.Bank, r.Register, r.Bit, r.Bit+r.Bits-1)
	default:
		body = fmt.Sprintf("B%d F%d..%d b%d..%d",
			r.Bank, r.Frame, r.Frame+r.Frames-1, r.Bit, r.Bit+r.Bits-1)
	}
	if r.Mirror {
		body += fmt.Sprintf(" mirror q%d", r.Quadrant)
	}
	if r.Name == "" {
		return body
	}
	return r.Name + " " + body
}
