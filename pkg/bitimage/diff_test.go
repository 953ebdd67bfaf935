package bitimage

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
)

func smallShape() Shape {
	return Shape{
		Banks: []BankShape{
			{FrameBits: 8, Present: []bool{true, true, true, true}},
		},
	}
}

func richShape() Shape {
	return Shape{
		Banks: []BankShape{
			{FrameBits: 70, Present: []bool{true, false, true, true, true}, Registers: map[string]int{"IOSTD": 4}},
			{FrameBits: 130, Present: []bool{true, true, false}, Registers: map[string]int{"IOSTD": 4}},
		},
		Registers: map[string]int{"CTRL": 16, "ID": 32},
	}
}

// randomize flips roughly a quarter of the bits in every present frame and
// register.
func randomize(t *testing.T, img *Image, rng *rand.Rand) {
	t.Helper()
	for bi, bank := range img.Banks {
		for fi, frame := range bank.Frames {
			if frame == nil {
				continue
			}
			for b := 0; b < bank.FrameBits; b++ {
				if rng.Intn(4) == 0 {
					if err := img.Set(bitaddr.FrameBit(bi, fi, b), true); err != nil {
						t.Fatal(err)
					}
				}
			}
		}
		for name, reg := range bank.Registers {
			for b := 0; b < reg.Width; b++ {
				if rng.Intn(2) == 0 {
					if err := img.Set(bitaddr.BankRegisterBit(bi, name, b), true); err != nil {
						t.Fatal(err)
					}
				}
			}
		}
	}
	for name, reg := range img.Registers {
		for b := 0; b < reg.Width; b++ {
			if rng.Intn(2) == 0 {
				if err := img.Set(bitaddr.RegisterBit(name, b), true); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
}

func TestCompareIdentical(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		a := New(richShape())
		randomize(t, a, rng)

		d, err := Compare(a, a)
		if err != nil {
			t.Fatalf("Compare: %v", err)
		}
		if len(d) != 0 {
			t.Fatalf("diff(a, a) has %d entries", len(d))
		}

		d, err = Compare(a, a.Clone())
		if err != nil {
			t.Fatalf("Compare clone: %v", err)
		}
		if len(d) != 0 {
			t.Fatalf("diff(a, clone(a)) has %d entries", len(d))
		}
	}
}

func TestCompareAntisymmetric(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 10; i++ {
		a := New(richShape())
		b := New(richShape())
		randomize(t, a, rng)
		randomize(t, b, rng)

		ab, err := Compare(a, b)
		if err != nil {
			t.Fatalf("Compare(a, b): %v", err)
		}
		ba, err := Compare(b, a)
		if err != nil {
			t.Fatalf("Compare(b, a): %v", err)
		}
		if len(ab) == 0 {
			t.Fatal("expected random images to differ")
		}
		if len(ab) != len(ba) {
			t.Fatalf("key count %d != %d", len(ab), len(ba))
		}
		for k, v := range ab {
			rv, ok := ba[k]
			if !ok {
				t.Fatalf("%v missing from reverse diff", k)
			}
			if rv != !v {
				t.Errorf("%v: forward %v reverse %v", k, v, rv)
			}
			got, err := b.Get(k)
			if err != nil {
				t.Fatal(err)
			}
			if got != v {
				t.Errorf("%v: diff value %v, image b holds %v", k, v, got)
			}
		}

		inv := ab.Invert()
		for k, v := range ba {
			if inv[k] != v {
				t.Errorf("Invert disagrees with reverse diff at %v", k)
			}
		}
	}
}

func TestCompareSingleBitEndToEnd(t *testing.T) {
	a := New(smallShape())
	b := New(smallShape())
	addr := bitaddr.FrameBit(0, 2, 5)
	if err := b.Set(addr, true); err != nil {
		t.Fatal(err)
	}

	d, err := Compare(a, b)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(d) != 1 {
		t.Fatalf("diff = %v, want exactly one entry", d)
	}
	if v, ok := d[addr]; !ok || !v {
		t.Fatalf("diff = %v, want {%v: true}", d, addr)
	}

	region := bitaddr.Grid("tile", 0, 1, 3, 0, 8)
	c, ok := region.Reverse(d.Keys()[0])
	if !ok {
		t.Fatal("region does not cover the changed bit")
	}
	if want := (bitaddr.Coord{Frame: 1, Bit: 5}); c != want {
		t.Errorf("tile-local coordinate = %v, want %v", c, want)
	}
}

func TestCompareRegisters(t *testing.T) {
	a := New(richShape())
	b := a.Clone()
	for _, addr := range []bitaddr.RawAddress{
		bitaddr.RegisterBit("CTRL", 15),
		bitaddr.BankRegisterBit(1, "IOSTD", 2),
		bitaddr.FrameBit(1, 1, 129),
		bitaddr.FrameBit(0, 0, 64),
	} {
		if err := b.Set(addr, true); err != nil {
			t.Fatalf("Set(%v): %v", addr, err)
		}
	}

	d, err := Compare(a, b)
	if err != nil {
		t.Fatal(err)
	}
	keys := d.Keys()
	want := []bitaddr.RawAddress{
		bitaddr.FrameBit(0, 0, 64),
		bitaddr.FrameBit(1, 1, 129),
		bitaddr.RegisterBit("CTRL", 15),
		bitaddr.BankRegisterBit(1, "IOSTD", 2),
	}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %v, want %v", i, keys[i], want[i])
		}
	}
}

func TestSetRejectsInvalidAddresses(t *testing.T) {
	img := New(richShape())
	for _, addr := range []bitaddr.RawAddress{
		bitaddr.FrameBit(2, 0, 0),
		bitaddr.FrameBit(0, 1, 0), // absent frame
		bitaddr.FrameBit(0, 0, 70),
		bitaddr.RegisterBit("NOPE", 0),
		bitaddr.RegisterBit("CTRL", 16),
		bitaddr.BankRegisterBit(0, "CTRL", 0),
	} {
		if err := img.Set(addr, true); err == nil {
			t.Errorf("Set(%v) succeeded, want error", addr)
		}
	}
}

func TestCompareShapeMismatch(t *testing.T) {
	base := richShape()

	tests := []struct {
		name   string
		mutate func(s *Shape)
	}{
		{"bank count", func(s *Shape) { s.Banks = s.Banks[:1] }},
		{"frame length", func(s *Shape) { s.Banks[0].FrameBits = 71 }},
		{"presence", func(s *Shape) { s.Banks[1].Present = []bool{true, true, true} }},
		{"bank register", func(s *Shape) { s.Banks[0].Registers = map[string]int{"IOSTD": 5} }},
		{"global register", func(s *Shape) { s.Registers = map[string]int{"CTRL": 16} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := richShape()
			tt.mutate(&other)

			_, err := Compare(New(base), New(other))
			if !errors.Is(err, ErrShapeMismatch) {
				t.Fatalf("expected ErrShapeMismatch, got %v", err)
			}
			var sme *ShapeMismatchError
			if !errors.As(err, &sme) || sme.Reason == "" {
				t.Errorf("expected a ShapeMismatchError with a reason, got %v", err)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	img := New(richShape())
	randomize(t, img, rng)

	var buf bytes.Buffer
	if err := Encode(&buf, img); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.Shape().Equal(img.Shape()) {
		t.Fatal("decoded image has a different shape")
	}
	d, err := Compare(img, got)
	if err != nil {
		t.Fatal(err)
	}
	if len(d) != 0 {
		t.Errorf("decoded image differs in %d bits", len(d))
	}
}
