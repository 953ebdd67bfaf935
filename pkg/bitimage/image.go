// Package bitimage holds full device configuration images and computes sparse
// bit-level differences between them.
//
// An Image is organised like the configuration memory it models: a list of
// banks, each made of fixed-length frames (some of which may be absent on a
// given device), plus small named scalar registers that live either once per
// device or once per bank. Frame contents are kept in bitsets so that whole
// frames can be compared in bulk before any per-bit work is done.
package bitimage

import (
	"fmt"
	"maps"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
)

// Reg is a fixed-width scalar register.
type Reg struct {
	Width int
	Bits  *bitset.BitSet
}

func newReg(width int) *Reg {
	return &Reg{Width: width, Bits: bitset.New(uint(width))}
}

func (r *Reg) clone() *Reg {
	return &Reg{Width: r.Width, Bits: r.Bits.Clone()}
}

// Bank is one configuration bank.
type Bank struct {
	FrameBits int              // Bits per frame
	Frames    []*bitset.BitSet // nil entries are frames absent on this device
	Registers map[string]*Reg  // Per-bank scalar registers
}

// Image is a full configuration image.
type Image struct {
	Banks     []*Bank
	Registers map[string]*Reg // Global scalar registers
}

// BankShape is the geometry of one bank.
type BankShape struct {
	FrameBits int
	Present   []bool         // Frame presence bitmap
	Registers map[string]int // Register name -> width
}

// Shape is the geometry of an image. Two images can only be diffed when their
// shapes are equal.
type Shape struct {
	Banks     []BankShape
	Registers map[string]int
}

// Equal reports whether two shapes describe the same geometry.
func (s Shape) Equal(o Shape) bool {
	return s.mismatch(o) == ""
}

// mismatch describes the first difference between two shapes, or returns ""
// when they are equal.
func (s Shape) mismatch(o Shape) string {
	if len(s.Banks) != len(o.Banks) {
		return fmt.Sprintf("bank count %d != %d", len(s.Banks), len(o.Banks))
	}
	for i := range s.Banks {
		a, b := s.Banks[i], o.Banks[i]
		if a.FrameBits != b.FrameBits {
			return fmt.Sprintf("bank %d frame length %d != %d", i, a.FrameBits, b.FrameBits)
		}
		if !slices.Equal(a.Present, b.Present) {
			return fmt.Sprintf("bank %d frame presence differs", i)
		}
		if !maps.Equal(a.Registers, b.Registers) {
			return fmt.Sprintf("bank %d registers differ", i)
		}
	}
	if !maps.Equal(s.Registers, o.Registers) {
		return "global registers differ"
	}
	return ""
}

// New allocates an all-zero image of the given shape.
func New(shape Shape) *Image {
	img := &Image{
		Banks:     make([]*Bank, len(shape.Banks)),
		Registers: make(map[string]*Reg, len(shape.Registers)),
	}
	for i, bs := range shape.Banks {
		bank := &Bank{
			FrameBits: bs.FrameBits,
			Frames:    make([]*bitset.BitSet, len(bs.Present)),
			Registers: make(map[string]*Reg, len(bs.Registers)),
		}
		for f, present := range bs.Present {
			if present {
				bank.Frames[f] = bitset.New(uint(bs.FrameBits))
			}
		}
		for name, width := range bs.Registers {
			bank.Registers[name] = newReg(width)
		}
		img.Banks[i] = bank
	}
	for name, width := range shape.Registers {
		img.Registers[name] = newReg(width)
	}
	return img
}

// Shape returns the geometry of the image.
func (img *Image) Shape() Shape {
	s := Shape{
		Banks:     make([]BankShape, len(img.Banks)),
		Registers: make(map[string]int, len(img.Registers)),
	}
	for i, bank := range img.Banks {
		bs := BankShape{
			FrameBits: bank.FrameBits,
			Present:   make([]bool, len(bank.Frames)),
			Registers: make(map[string]int, len(bank.Registers)),
		}
		for f, frame := range bank.Frames {
			bs.Present[f] = frame != nil
		}
		for name, reg := range bank.Registers {
			bs.Registers[name] = reg.Width
		}
		s.Banks[i] = bs
	}
	for name, reg := range img.Registers {
		s.Registers[name] = reg.Width
	}
	return s
}

// Clone returns a deep copy of the image.
func (img *Image) Clone() *Image {
	out := &Image{
		Banks:     make([]*Bank, len(img.Banks)),
		Registers: make(map[string]*Reg, len(img.Registers)),
	}
	for i, bank := range img.Banks {
		nb := &Bank{
			FrameBits: bank.FrameBits,
			Frames:    make([]*bitset.BitSet, len(bank.Frames)),
			Registers: make(map[string]*Reg, len(bank.Registers)),
		}
		for f, frame := range bank.Frames {
			if frame != nil {
				nb.Frames[f] = frame.Clone()
			}
		}
		for name, reg := range bank.Registers {
			nb.Registers[name] = reg.clone()
		}
		out.Banks[i] = nb
	}
	for name, reg := range img.Registers {
		out.Registers[name] = reg.clone()
	}
	return out
}

// locate returns the bitset and index that hold addr.
func (img *Image) locate(addr bitaddr.RawAddress) (*bitset.BitSet, uint, error) {
	switch addr.Kind {
	case bitaddr.KindFrame:
		if addr.Bank < 0 || addr.Bank >= len(img.Banks) {
			return nil, 0, fmt.Errorf("bitimage: %v: no bank %d", addr, addr.Bank)
		}
		bank := img.Banks[addr.Bank]
		if addr.Frame < 0 || addr.Frame >= len(bank.Frames) || bank.Frames[addr.Frame] == nil {
			return nil, 0, fmt.Errorf("bitimage: %v: frame not present", addr)
		}
		if addr.Bit < 0 || addr.Bit >= bank.FrameBits {
			return nil, 0, fmt.Errorf("bitimage: %v: bit outside frame of %d bits", addr, bank.FrameBits)
		}
		return bank.Frames[addr.Frame], uint(addr.Bit), nil

	case bitaddr.KindRegister:
		reg, ok := img.Registers[addr.Register]
		if !ok {
			return nil, 0, fmt.Errorf("bitimage: %v: unknown register", addr)
		}
		if addr.Bit < 0 || addr.Bit >= reg.Width {
			return nil, 0, fmt.Errorf("bitimage: %v: bit outside register of %d bits", addr, reg.Width)
		}
		return reg.Bits, uint(addr.Bit), nil

	case bitaddr.KindBankRegister:
		if addr.Bank < 0 || addr.Bank >= len(img.Banks) {
			return nil, 0, fmt.Errorf("bitimage: %v: no bank %d", addr, addr.Bank)
		}
		reg, ok := img.Banks[addr.Bank].Registers[addr.Register]
		if !ok {
			return nil, 0, fmt.Errorf("bitimage: %v: unknown bank register", addr)
		}
		if addr.Bit < 0 || addr.Bit >= reg.Width {
			return nil, 0, fmt.Errorf("bitimage: %v: bit outside register of %d bits", addr, reg.Width)
		}
		return reg.Bits, uint(addr.Bit), nil
	}
	return nil, 0, fmt.Errorf("bitimage: %v: unknown address kind", addr)
}

// Get returns the value of one bit.
func (img *Image) Get(addr bitaddr.RawAddress) (bool, error) {
	bs, i, err := img.locate(addr)
	if err != nil {
		return false, err
	}
	return bs.Test(i), nil
}

// Set writes one bit.
func (img *Image) Set(addr bitaddr.RawAddress, v bool) error {
	bs, i, err := img.locate(addr)
	if err != nil {
		return err
	}
	bs.SetTo(i, v)
	return nil
}
