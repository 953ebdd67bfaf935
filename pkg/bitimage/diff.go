package bitimage

import (
	"errors"
	"maps"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
)

// ErrShapeMismatch is the sentinel wrapped by *ShapeMismatchError.
var ErrShapeMismatch = errors.New("bitimage: image shapes differ")

// ShapeMismatchError reports that two images do not share a geometry. It is a
// topology defect and aborts the device run.
type ShapeMismatchError struct {
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	return "bitimage: image shapes differ: " + e.Reason
}

func (e *ShapeMismatchError) Unwrap() error {
	return ErrShapeMismatch
}

// Diff maps every bit that differs between two images to its value in the
// second image.
type Diff map[bitaddr.RawAddress]bool

// Keys returns the changed addresses in ascending order.
func (d Diff) Keys() []bitaddr.RawAddress {
	return slices.SortedFunc(maps.Keys(d), bitaddr.Compare)
}

// Invert returns the diff with every value negated, which is the diff taken
// in the opposite direction.
func (d Diff) Invert() Diff {
	out := make(Diff, len(d))
	for k, v := range d {
		out[k] = !v
	}
	return out
}

// Compare computes the difference from a to b. Both images must have the
// same shape.
//
// Whole frames are compared first and skipped when identical; bit positions
// are only visited inside frames that differ.
func Compare(a, b *Image) (Diff, error) {
	if reason := a.Shape().mismatch(b.Shape()); reason != "" {
		return nil, &ShapeMismatchError{Reason: reason}
	}

	d := make(Diff)
	for bi, bankA := range a.Banks {
		bankB := b.Banks[bi]
		for fi, frameA := range bankA.Frames {
			frameB := bankB.Frames[fi]
			if frameA == nil {
				continue
			}
			diffBits(frameA, frameB, bankA.FrameBits, d, func(bit int) bitaddr.RawAddress {
				return bitaddr.FrameBit(bi, fi, bit)
			})
		}
		for name, regA := range bankA.Registers {
			regB := bankB.Registers[name]
			diffBits(regA.Bits, regB.Bits, regA.Width, d, func(bit int) bitaddr.RawAddress {
				return bitaddr.BankRegisterBit(bi, name, bit)
			})
		}
	}
	for name, regA := range a.Registers {
		regB := b.Registers[name]
		diffBits(regA.Bits, regB.Bits, regA.Width, d, func(bit int) bitaddr.RawAddress {
			return bitaddr.RegisterBit(name, bit)
		})
	}
	return d, nil
}

func diffBits(a, b *bitset.BitSet, width int, d Diff, addr func(int) bitaddr.RawAddress) {
	if a.Equal(b) {
		return
	}
	x := a.SymmetricDifference(b)
	for i, ok := x.NextSet(0); ok && int(i) < width; i, ok = x.NextSet(i + 1) {
		d[addr(int(i))] = b.Test(i)
	}
}
