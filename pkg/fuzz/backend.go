package fuzz

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitimage"
)

// TileCoord identifies one tile instance on a device.
type TileCoord struct {
	Kind  string // Tile kind, e.g. "PLC"
	Name  string // Instance name, unique per device
	Index int    // Position within the kind's instance list
}

func (t TileCoord) String() string {
	return fmt.Sprintf("%s@%s", t.Kind, t.Name)
}

// Design is a key/value configuration handed to the Backend compiler.
type Design map[string]string

// Merge returns a new design with o's settings applied over d's.
func (d Design) Merge(o Design) Design {
	out := make(Design, len(d)+len(o))
	maps.Copy(out, d)
	maps.Copy(out, o)
	return out
}

// Keys returns the design keys in sorted order.
func (d Design) Keys() []string {
	return slices.Sorted(maps.Keys(d))
}

// Backend is the device-specific collaborator: it knows the topology and how
// to turn a design into a configuration image.
type Backend interface {
	// DeviceName identifies the device in logs and reports.
	DeviceName() string

	// Instances enumerates every tile instance of the given kind.
	Instances(kind string) []TileCoord

	// TileBits returns the ordered regions bounding where evidence for a
	// feature of the given tile may appear.
	TileBits(ctx context.Context, tile TileCoord) ([]bitaddr.Region, error)

	// Validate is a dry run: it reports whether a design is legal without
	// compiling it.
	Validate(ctx context.Context, d Design) error

	// Compile turns each design into a full configuration image. Images are
	// returned in the order of the designs. This is the slow step.
	Compile(ctx context.Context, designs []Design) ([]*bitimage.Image, error)
}

// Differ may be implemented by a Backend that has its own image comparison.
// Backends without it are diffed with bitimage.Compare.
type Differ interface {
	Diff(a, b *bitimage.Image) (bitimage.Diff, error)
}

func differFor(b Backend) func(a, b *bitimage.Image) (bitimage.Diff, error) {
	if d, ok := b.(Differ); ok {
		return d.Diff
	}
	return bitimage.Compare
}
