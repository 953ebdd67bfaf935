package imagecache

import (
	"context"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitimage"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"
)

// Backend decorates a fuzz.Backend with the cache. Topology and validation
// go straight to the inner backend; Compile forwards only the misses.
type Backend struct {
	fuzz.Backend
	cache *Cache
}

// Wrap returns b with compiles served from c where possible.
func (c *Cache) Wrap(b fuzz.Backend) *Backend {
	return &Backend{Backend: b, cache: c}
}

// Unwrap returns the decorated backend.
func (b *Backend) Unwrap() fuzz.Backend { return b.Backend }

// Compile implements fuzz.Backend. Cache misses are compiled together in one
// call to the inner backend; designs repeated within the call are compiled
// once.
func (b *Backend) Compile(ctx context.Context, designs []fuzz.Design) ([]*bitimage.Image, error) {
	device := b.DeviceName()
	keys := make([][]byte, len(designs))
	for i, d := range designs {
		keys[i] = Key(device, d)
	}

	out, err := b.cache.get(keys)
	if err != nil {
		return nil, err
	}

	var (
		missDesigns []fuzz.Design
		missKeys    [][]byte
		firstMiss   = make(map[string]int) // key -> index into missDesigns
		pending     = make(map[int]int)    // design index -> index into missDesigns
	)
	for i, img := range out {
		if img != nil {
			continue
		}
		k := string(keys[i])
		j, ok := firstMiss[k]
		if !ok {
			j = len(missDesigns)
			firstMiss[k] = j
			missDesigns = append(missDesigns, designs[i])
			missKeys = append(missKeys, keys[i])
		}
		pending[i] = j
	}

	hits := int64(len(designs) - len(pending))
	b.cache.hits.Add(hits)
	b.cache.misses.Add(int64(len(missDesigns)))
	b.cache.log.Debug().
		Str("device", device).
		Int64("hits", hits).
		Int("compiled", len(missDesigns)).
		Msg("image cache lookup")

	if len(missDesigns) == 0 {
		return out, nil
	}

	compiled, err := b.Backend.Compile(ctx, missDesigns)
	if err != nil {
		return nil, err
	}
	if len(compiled) != len(missDesigns) {
		return nil, fmt.Errorf("imagecache: %s returned %d images for %d designs", device, len(compiled), len(missDesigns))
	}
	if err := b.cache.put(missKeys, compiled); err != nil {
		return nil, err
	}

	used := make([]bool, len(compiled))
	for i, j := range pending {
		if used[j] {
			out[i] = compiled[j].Clone()
			continue
		}
		used[j] = true
		out[i] = compiled[j]
	}
	return out, nil
}

// Diff forwards to the inner backend's comparison when it has one.
func (b *Backend) Diff(x, y *bitimage.Image) (bitimage.Diff, error) {
	if d, ok := b.Backend.(fuzz.Differ); ok {
		return d.Diff(x, y)
	}
	return bitimage.Compare(x, y)
}
