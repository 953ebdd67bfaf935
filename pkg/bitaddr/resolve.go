package bitaddr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAddressUnmapped marks a raw address that none of the candidate regions
// accept. It indicates an incomplete topology model.
var ErrAddressUnmapped = errors.New("bitaddr: address not covered by any candidate region")

// UnmappedError carries the full diagnostic context of a failed resolution.
type UnmappedError struct {
	Addr       RawAddress
	Candidates []Region
}

func (e *UnmappedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bitaddr: address %v not covered by any of %d candidate regions", e.Addr, len(e.Candidates))
	for i, r := range e.Candidates {
		fmt.Fprintf(&b, "\n  [%d] %v", i, r)
	}
	return b.String()
}

func (e *UnmappedError) Unwrap() error {
	return ErrAddressUnmapped
}

// Resolve maps addr onto the first candidate region that contains it.
func Resolve(addr RawAddress, candidates []Region) (TileBit, error) {
	for i, r := range candidates {
		if c, ok := r.Reverse(addr); ok {
			return TileBit{Tile: i, Frame: c.Frame, Bit: c.Bit}, nil
		}
	}
	return TileBit{}, &UnmappedError{
		Addr:       addr,
		Candidates: append([]Region(nil), candidates...),
	}
}

// Locate is the inverse of Resolve: it maps a tile bit back to its raw
// address using the same ordered region list.
func Locate(tb TileBit, regions []Region) (RawAddress, error) {
	if tb.Tile < 0 || tb.Tile >= len(regions) {
		return RawAddress{}, fmt.Errorf("%w: tile index %d of %d regions", ErrOutOfRegion, tb.Tile, len(regions))
	}
	return regions[tb.Tile].Forward(tb.Coord())
}
