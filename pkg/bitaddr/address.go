package bitaddr

import (
	"cmp"
	"fmt"
)

// Kind selects which fields of a RawAddress are meaningful.
type Kind int

const (
	// KindFrame addresses a bit inside a configuration frame: Bank, Frame, Bit.
	KindFrame Kind = iota
	// KindRegister addresses a bit of a named global register: Register, Bit.
	KindRegister
	// KindBankRegister addresses a bit of a named per-bank register:
	// Bank, Register, Bit.
	KindBankRegister
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindRegister:
		return "register"
	case KindBankRegister:
		return "bankregister"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RawAddress is the absolute location of one configuration bit. It is a
// comparable value and may be used as a map key.
type RawAddress struct {
	Kind     Kind
	Bank     int
	Frame    int
	Register string
	Bit      int
}

// FrameBit returns the address of a frame bit.
func FrameBit(bank, frame, bit int) RawAddress {
	return RawAddress{Kind: KindFrame, Bank: bank, Frame: frame, Bit: bit}
}

// RegisterBit returns the address of a bit in a global register.
func RegisterBit(register string, bit int) RawAddress {
	return RawAddress{Kind: KindRegister, Register: register, Bit: bit}
}

// BankRegisterBit returns the address of a bit in a per-bank register.
func BankRegisterBit(bank int, register string, bit int) RawAddress {
	return RawAddress{Kind: KindBankRegister, Bank: bank, Register: register, Bit: bit}
}

// Compare orders addresses by kind, bank, register, frame and bit.
func Compare(a, b RawAddress) int {
	if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Bank, b.Bank); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Register, b.Register); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Frame, b.Frame); c != 0 {
		return c
	}
	return cmp.Compare(a.Bit, b.Bit)
}

// Less reports whether a sorts before b.
func (a RawAddress) Less(b RawAddress) bool {
	return Compare(a, b) < 0
}

func (a RawAddress) String() string {
	switch a.Kind {
	case KindFrame:
		return fmt.Sprintf("B%d.F%d.%d", a.Bank, a.Frame, a.Bit)
	case KindRegister:
		return fmt.Sprintf("%s[%d]", a.Register, a.Bit)
	case KindBankRegister:
		return fmt.Sprintf("B%d.%s[%d]", a.Bank, a.Register, a.Bit)
	default:
		return fmt.Sprintf("%v(%d,%d,%q,%d)", a.Kind, a.Bank, a.Frame, a.Register, a.Bit)
	}
}

// Coord is a tile-local bit position: frame (row) and bit (column) relative
// to a Region's origin, after mirroring.
type Coord struct {
	Frame int
	Bit   int
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.Frame, c.Bit)
}

// TileBit is a tile-local bit qualified by the index of the region it falls in
// within an ordered region list.
type TileBit struct {
	Tile  int
	Frame int
	Bit   int
}

// Coord drops the tile index.
func (t TileBit) Coord() Coord {
	return Coord{Frame: t.Frame, Bit: t.Bit}
}

// CompareTileBits orders tile bits by tile, frame and bit.
func CompareTileBits(a, b TileBit) int {
	if c := cmp.Compare(a.Tile, b.Tile); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Frame, b.Frame); c != 0 {
		return c
	}
	return cmp.Compare(a.Bit, b.Bit)
}

func (t TileBit) String() string {
	return fmt.Sprintf("%d:%d:%d", t.Tile, t.Frame, t.Bit)
}
