package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
)

func tb(tile, frame, bit int) bitaddr.TileBit {
	return bitaddr.TileBit{Tile: tile, Frame: frame, Bit: bit}
}

func id(batch, seq int) ExperimentID {
	return ExperimentID{Batch: batch, Seq: seq}
}

var modeLogic = FeatureKey{TileKind: "PLC", Bel: "SLICE", Attr: "MODE", Value: "LOGIC"}

func TestInsertNewKey(t *testing.T) {
	l := New()
	diffs := []TileDiff{{tb(0, 1, 2): true}}

	conflicts := l.Insert(modeLogic, Evidence{Diffs: diffs, Sources: []ExperimentID{id(0, 0)}})
	require.Empty(t, conflicts)

	entry, ok := l.Get(modeLogic)
	require.True(t, ok)
	assert.Len(t, entry.Diffs, 1)
	assert.True(t, entry.Diffs[0].Equal(diffs[0]))
	assert.Equal(t, []ExperimentID{id(0, 0)}, entry.Sources)
	assert.Equal(t, 1, l.Len())
}

func TestInsertIsIdempotent(t *testing.T) {
	l := New()
	ev := Evidence{
		Diffs:   []TileDiff{{tb(0, 1, 2): true, tb(0, 1, 3): false}},
		Sources: []ExperimentID{id(0, 0)},
	}

	for i := 0; i < 3; i++ {
		require.Empty(t, l.Insert(modeLogic, ev), "insert %d", i)
	}

	entry, ok := l.Get(modeLogic)
	require.True(t, ok)
	assert.Equal(t, []ExperimentID{id(0, 0)}, entry.Sources, "sources must be deduplicated")
}

func TestInsertAppendsAgreeingSources(t *testing.T) {
	l := New()
	diffs := []TileDiff{{tb(0, 1, 2): true}}

	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: diffs, Sources: []ExperimentID{id(0, 0)}}))
	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: diffs, Sources: []ExperimentID{id(1, 4), id(0, 0)}}))

	entry, _ := l.Get(modeLogic)
	assert.Equal(t, []ExperimentID{id(0, 0), id(1, 4)}, entry.Sources)
}

func TestInsertConflictKeepsFirstSeen(t *testing.T) {
	l := New()
	first := []TileDiff{{tb(0, 1, 2): true}}
	second := []TileDiff{{tb(0, 1, 3): true}}

	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: first, Sources: []ExperimentID{id(0, 0), id(0, 1)}}))

	conflicts := l.Insert(modeLogic, Evidence{Diffs: second, Sources: []ExperimentID{id(2, 7)}})
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, modeLogic, c.Key)
	assert.Equal(t, []ExperimentID{id(0, 0), id(0, 1)}, c.Prior)
	assert.Equal(t, []ExperimentID{id(2, 7)}, c.Sources)
	assert.Contains(t, c.Error(), "PLC:SLICE.MODE=LOGIC")

	entry, _ := l.Get(modeLogic)
	require.Len(t, entry.Diffs, 1)
	assert.True(t, entry.Diffs[0].Equal(first[0]), "stored diffs must stay the first-seen evidence")
	assert.Equal(t, []ExperimentID{id(0, 0), id(0, 1)}, entry.Sources, "rejected sources must not be recorded")
}

func TestInsertConflictOnValueFlip(t *testing.T) {
	l := New()
	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: []TileDiff{{tb(0, 0, 0): true}}, Sources: []ExperimentID{id(0, 0)}}))
	assert.Len(t, l.Insert(modeLogic, Evidence{Diffs: []TileDiff{{tb(0, 0, 0): false}}, Sources: []ExperimentID{id(0, 1)}}), 1)
}

func TestInsertConflictOnLaneCount(t *testing.T) {
	l := New()
	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: []TileDiff{{tb(0, 0, 0): true}}}))
	assert.Len(t, l.Insert(modeLogic, Evidence{Diffs: []TileDiff{{tb(0, 0, 0): true}, {}}}), 1)
}

func TestStoredDiffsDoNotAliasCaller(t *testing.T) {
	l := New()
	d := TileDiff{tb(0, 0, 0): true}
	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: []TileDiff{d}}))

	d[tb(0, 0, 1)] = true

	entry, _ := l.Get(modeLogic)
	assert.Len(t, entry.Diffs[0], 1)
}

func TestDecomposableSplitsLanes(t *testing.T) {
	l := New()
	lutInit := FeatureKey{TileKind: "PLC", Bel: "LUT", Attr: "INIT"}
	lanes := []TileDiff{
		{tb(0, 0, 0): true},
		{tb(0, 0, 1): true},
		{tb(0, 1, 0): false},
	}

	require.Empty(t, l.Insert(lutInit, Evidence{Diffs: lanes, Sources: []ExperimentID{id(0, 3)}, Decomposable: true}))

	_, ok := l.Get(lutInit)
	assert.False(t, ok, "the parent key must not hold the multi-lane record")
	for i, want := range lanes {
		entry, ok := l.Get(lutInit.WithLane(i))
		require.True(t, ok, "lane %d", i)
		require.Len(t, entry.Diffs, 1)
		assert.True(t, entry.Diffs[0].Equal(want), "lane %d", i)
		assert.Equal(t, []ExperimentID{id(0, 3)}, entry.Sources)
	}
	assert.Equal(t, 3, l.Len())
}

func TestDecomposableThenSingleLane(t *testing.T) {
	l := New()
	lutInit := FeatureKey{TileKind: "PLC", Bel: "LUT", Attr: "INIT"}
	lanes := []TileDiff{
		{tb(0, 0, 0): true},
		{tb(0, 0, 1): true},
		{tb(0, 0, 2): true},
		{tb(0, 0, 3): true},
	}
	require.Empty(t, l.Insert(lutInit, Evidence{Diffs: lanes, Sources: []ExperimentID{id(0, 0)}, Decomposable: true}))

	// A later batch learns bit 0 on its own.
	single := []TileDiff{{tb(0, 0, 0): true}}
	require.Empty(t, l.Insert(lutInit, Evidence{Diffs: single, Sources: []ExperimentID{id(5, 1)}, Decomposable: true}))

	lane0, ok := l.Get(lutInit.WithLane(0))
	require.True(t, ok)
	assert.Equal(t, []ExperimentID{id(0, 0)}, lane0.Sources)

	parent, ok := l.Get(lutInit)
	require.True(t, ok)
	assert.Equal(t, []ExperimentID{id(5, 1)}, parent.Sources)
	assert.True(t, parent.Diffs[0].Equal(single[0]))

	// Re-learning the same lane through a direct sub-key insert merges.
	require.Empty(t, l.Insert(lutInit.WithLane(0), Evidence{Diffs: single, Sources: []ExperimentID{id(6, 0)}}))
	lane0, _ = l.Get(lutInit.WithLane(0))
	assert.Equal(t, []ExperimentID{id(0, 0), id(6, 0)}, lane0.Sources)
}

func TestDecomposableLaneConflicts(t *testing.T) {
	l := New()
	lutInit := FeatureKey{TileKind: "PLC", Bel: "LUT", Attr: "INIT"}
	require.Empty(t, l.Insert(lutInit, Evidence{
		Diffs:        []TileDiff{{tb(0, 0, 0): true}, {tb(0, 0, 1): true}},
		Sources:      []ExperimentID{id(0, 0)},
		Decomposable: true,
	}))

	conflicts := l.Insert(lutInit, Evidence{
		Diffs:        []TileDiff{{tb(0, 0, 0): true}, {tb(0, 0, 2): true}},
		Sources:      []ExperimentID{id(1, 0)},
		Decomposable: true,
	})
	require.Len(t, conflicts, 1)
	assert.Equal(t, lutInit.WithLane(1), conflicts[0].Key)
	assert.Equal(t, []ExperimentID{id(0, 0)}, conflicts[0].Prior)

	lane0, _ := l.Get(lutInit.WithLane(0))
	assert.Equal(t, []ExperimentID{id(0, 0), id(1, 0)}, lane0.Sources, "agreeing lanes still merge")
}

func TestKeysSorted(t *testing.T) {
	l := New()
	keys := []FeatureKey{
		{TileKind: "PLC", Bel: "SLICE", Attr: "MODE", Value: "RAM"},
		{TileKind: "IO", Bel: "PAD", Attr: "PULL", Value: "UP"},
		FeatureKey{TileKind: "PLC", Bel: "LUT", Attr: "INIT"}.WithLane(1),
		FeatureKey{TileKind: "PLC", Bel: "LUT", Attr: "INIT"},
		FeatureKey{TileKind: "PLC", Bel: "LUT", Attr: "INIT"}.WithLane(0),
	}
	for i, k := range keys {
		require.Empty(t, l.Insert(k, Evidence{Diffs: []TileDiff{{tb(0, 0, i): true}}}))
	}

	got := l.Keys()
	want := []string{
		"IO:PAD.PULL=UP",
		"PLC:LUT.INIT",
		"PLC:LUT.INIT[0]",
		"PLC:LUT.INIT[1]",
		"PLC:SLICE.MODE=RAM",
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i], got[i].String())
	}
}

func TestParseExperimentID(t *testing.T) {
	got, err := ParseExperimentID(id(12, 34).String())
	require.NoError(t, err)
	assert.Equal(t, id(12, 34), got)

	_, err = ParseExperimentID("nope")
	assert.Error(t, err)
}

func TestDecomposableSplitsMultiBitDiff(t *testing.T) {
	l := New()
	lutInit := FeatureKey{TileKind: "PLC", Bel: "LUT", Attr: "INIT"}
	wide := TileDiff{tb(0, 0, 3): true, tb(0, 0, 0): true, tb(0, 0, 2): false, tb(0, 0, 1): true}

	require.Empty(t, l.Insert(lutInit, Evidence{Diffs: []TileDiff{wide}, Sources: []ExperimentID{id(0, 0)}, Decomposable: true}))

	_, ok := l.Get(lutInit)
	assert.False(t, ok, "the parent key must not hold the multi-bit record")
	for i, bit := range wide.Bits() {
		entry, ok := l.Get(lutInit.WithLane(i))
		require.True(t, ok, "lane %d", i)
		require.Len(t, entry.Diffs, 1)
		assert.True(t, entry.Diffs[0].Equal(TileDiff{bit: wide[bit]}), "lane %d", i)
	}

	// A later batch learns bit 0 on its own.
	single := []TileDiff{{tb(0, 0, 0): true}}
	require.Empty(t, l.Insert(lutInit, Evidence{Diffs: single, Sources: []ExperimentID{id(5, 1)}, Decomposable: true}))

	lane0, _ := l.Get(lutInit.WithLane(0))
	assert.Equal(t, []ExperimentID{id(0, 0)}, lane0.Sources)
	parent, ok := l.Get(lutInit)
	require.True(t, ok)
	assert.Equal(t, []ExperimentID{id(5, 1)}, parent.Sources)

	desc, ok := l.Table("sim").Get("PLC", "LUT", "INIT")
	require.True(t, ok)
	assert.Len(t, desc.Bits, 4)
}

func TestNonDecomposableMultiBitStaysWhole(t *testing.T) {
	l := New()
	d := TileDiff{tb(0, 0, 1): true, tb(0, 0, 2): false}
	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: []TileDiff{d}}))

	entry, ok := l.Get(modeLogic)
	require.True(t, ok)
	assert.True(t, entry.Diffs[0].Equal(d))
	assert.Equal(t, 1, l.Len())
}

func TestConflictDoesNotAliasStored(t *testing.T) {
	l := New()
	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: []TileDiff{{tb(0, 0, 0): true}}}))

	conflicts := l.Insert(modeLogic, Evidence{Diffs: []TileDiff{{tb(0, 0, 1): true}}})
	require.Len(t, conflicts, 1)
	conflicts[0].Stored[0][tb(0, 0, 7)] = true

	entry, _ := l.Get(modeLogic)
	assert.Len(t, entry.Diffs[0], 1)
}

func TestNextBatch(t *testing.T) {
	l := New()
	assert.Equal(t, 0, l.NextBatch())

	require.Empty(t, l.Insert(modeLogic, Evidence{Diffs: []TileDiff{{tb(0, 0, 0): true}}, Sources: []ExperimentID{id(0, 2), id(3, 0)}}))
	l.Restore(modeLogic.WithLane(1), Entry{Diffs: []TileDiff{{tb(0, 0, 1): true}}, Sources: []ExperimentID{id(7, 4)}})
	assert.Equal(t, 8, l.NextBatch())
}
