package bitimage

import (
	"encoding/gob"
	"fmt"
	"io"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

type wireReg struct {
	Name  string
	Width int
	Bits  []byte
}

type wireBank struct {
	FrameBits int
	Present   []bool
	Frames    [][]byte
	Registers []wireReg
}

type wireImage struct {
	Version   int
	Banks     []wireBank
	Registers []wireReg
}

const wireVersion = 1

// Encode writes img to w.
func Encode(w io.Writer, img *Image) error {
	out := wireImage{Version: wireVersion}
	for _, bank := range img.Banks {
		wb := wireBank{
			FrameBits: bank.FrameBits,
			Present:   make([]bool, len(bank.Frames)),
			Frames:    make([][]byte, len(bank.Frames)),
		}
		for f, frame := range bank.Frames {
			if frame == nil {
				continue
			}
			data, err := frame.MarshalBinary()
			if err != nil {
				return fmt.Errorf("bitimage: encode frame %d: %w", f, err)
			}
			wb.Present[f] = true
			wb.Frames[f] = data
		}
		regs, err := encodeRegs(bank.Registers)
		if err != nil {
			return err
		}
		wb.Registers = regs
		out.Banks = append(out.Banks, wb)
	}
	regs, err := encodeRegs(img.Registers)
	if err != nil {
		return err
	}
	out.Registers = regs

	if err := gob.NewEncoder(w).Encode(&out); err != nil {
		return fmt.Errorf("bitimage: encode: %w", err)
	}
	return nil
}

// Decode reads an image written by Encode.
func Decode(r io.Reader) (*Image, error) {
	var in wireImage
	if err := gob.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("bitimage: decode: %w", err)
	}
	if in.Version != wireVersion {
		return nil, fmt.Errorf("bitimage: unsupported image version %d", in.Version)
	}

	img := &Image{Banks: make([]*Bank, len(in.Banks))}
	for i, wb := range in.Banks {
		if wb.FrameBits < 0 || len(wb.Frames) < len(wb.Present) {
			return nil, fmt.Errorf("bitimage: decode bank %d: %d frame(s) of %d bits for %d slot(s)",
				i, len(wb.Frames), wb.FrameBits, len(wb.Present))
		}
		bank := &Bank{
			FrameBits: wb.FrameBits,
			Frames:    make([]*bitset.BitSet, len(wb.Present)),
		}
		for f, present := range wb.Present {
			if !present {
				continue
			}
			frame := &bitset.BitSet{}
			if err := frame.UnmarshalBinary(wb.Frames[f]); err != nil {
				return nil, fmt.Errorf("bitimage: decode bank %d frame %d: %w", i, f, err)
			}
			if frame.Len() != uint(wb.FrameBits) {
				return nil, fmt.Errorf("bitimage: decode bank %d frame %d: %d bits, want %d",
					i, f, frame.Len(), wb.FrameBits)
			}
			bank.Frames[f] = frame
		}
		regs, err := decodeRegs(wb.Registers)
		if err != nil {
			return nil, err
		}
		bank.Registers = regs
		img.Banks[i] = bank
	}
	regs, err := decodeRegs(in.Registers)
	if err != nil {
		return nil, err
	}
	img.Registers = regs
	return img, nil
}

func encodeRegs(regs map[string]*Reg) ([]wireReg, error) {
	names := make([]string, 0, len(regs))
	for name := range regs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]wireReg, 0, len(names))
	for _, name := range names {
		reg := regs[name]
		data, err := reg.Bits.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("bitimage: encode register %s: %w", name, err)
		}
		out = append(out, wireReg{Name: name, Width: reg.Width, Bits: data})
	}
	return out, nil
}

func decodeRegs(in []wireReg) (map[string]*Reg, error) {
	out := make(map[string]*Reg, len(in))
	for _, wr := range in {
		bits := &bitset.BitSet{}
		if err := bits.UnmarshalBinary(wr.Bits); err != nil {
			return nil, fmt.Errorf("bitimage: decode register %s: %w", wr.Name, err)
		}
		if wr.Width < 0 || bits.Len() != uint(wr.Width) {
			return nil, fmt.Errorf("bitimage: decode register %s: %d bits, want %d", wr.Name, bits.Len(), wr.Width)
		}
		out[wr.Name] = &Reg{Width: wr.Width, Bits: bits}
	}
	return out, nil
}
