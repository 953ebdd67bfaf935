package bitimage

import (
	"bytes"
	"encoding/gob"
	"strings"
	"testing"

	"github.com/bits-and-blooms/bitset"
)

func marshalBits(t *testing.T, width uint) []byte {
	t.Helper()
	data, err := bitset.New(width).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDecodeRejectsCorruptImages(t *testing.T) {
	tests := []struct {
		name string
		img  wireImage
	}{
		{
			name: "missing frame data",
			img: wireImage{Version: wireVersion, Banks: []wireBank{{
				FrameBits: 8,
				Present:   []bool{true, true, true},
				Frames:    [][]byte{marshalBits(t, 8)},
			}}},
		},
		{
			name: "short frame",
			img: wireImage{Version: wireVersion, Banks: []wireBank{{
				FrameBits: 16,
				Present:   []bool{true},
				Frames:    [][]byte{marshalBits(t, 8)},
			}}},
		},
		{
			name: "negative frame width",
			img: wireImage{Version: wireVersion, Banks: []wireBank{{
				FrameBits: -1,
				Present:   []bool{false},
				Frames:    [][]byte{nil},
			}}},
		},
		{
			name: "register width",
			img: wireImage{Version: wireVersion, Registers: []wireReg{
				{Name: "CTRL", Width: 8, Bits: marshalBits(t, 4)},
			}},
		},
		{
			name: "bank register width",
			img: wireImage{Version: wireVersion, Banks: []wireBank{{
				Registers: []wireReg{{Name: "IOSTD", Width: 4, Bits: marshalBits(t, 12)}},
			}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(&tt.img); err != nil {
				t.Fatal(err)
			}
			_, err := Decode(&buf)
			if err == nil {
				t.Fatal("expected decode error")
			}
			if !strings.HasPrefix(err.Error(), "bitimage: decode") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
