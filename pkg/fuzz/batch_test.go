package fuzz

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

func TestBatchCheck(t *testing.T) {
	first := &Experiment{
		Base:      Design{"T0.MODE": "A", "GLOBAL.CLK": "ON"},
		Variants:  []Design{{"T0.X": "ON"}},
		Resources: []string{"OSC"},
	}

	tests := []struct {
		name string
		exp  *Experiment
		what string // "" means no contradiction
	}{
		{
			name: "agreeing base",
			exp:  &Experiment{Base: Design{"GLOBAL.CLK": "ON"}, Variants: []Design{{"T1.X": "ON"}}},
		},
		{
			name: "disagreeing base",
			exp:  &Experiment{Base: Design{"GLOBAL.CLK": "OFF"}},
			what: "base",
		},
		{
			name: "base touches varied key",
			exp:  &Experiment{Base: Design{"T0.X": "ON"}},
			what: "base",
		},
		{
			name: "variant touches base key",
			exp:  &Experiment{Variants: []Design{{"T0.MODE": "B"}}},
			what: "variant",
		},
		{
			name: "variant touches varied key",
			exp:  &Experiment{Variants: []Design{{"T0.X": "ON"}}},
			what: "variant",
		},
		{
			name: "resource already claimed",
			exp:  &Experiment{Variants: []Design{{"T1.X": "ON"}}, Resources: []string{"OSC"}},
			what: "resource",
		},
		{
			name: "distinct resource",
			exp:  &Experiment{Variants: []Design{{"T1.X": "ON"}}, Resources: []string{"PLL"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBatch(3)
			require.NoError(t, b.Check(first))
			assert.Equal(t, ledger.ExperimentID{Batch: 3, Seq: 0}, b.Commit(first))

			err := b.Check(tt.exp)
			if tt.what == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrContradiction))
			var ce *ContradictionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.what, ce.What)
			assert.Equal(t, first.ID, ce.Owner)
		})
	}
}

func TestBatchCommitMergesBase(t *testing.T) {
	b := NewBatch(0)
	a := &Experiment{Base: Design{"G.A": "1"}}
	c := &Experiment{Base: Design{"G.A": "1", "G.B": "2"}}

	b.Commit(a)
	require.NoError(t, b.Check(c))
	b.Commit(c)

	assert.Equal(t, Design{"G.A": "1", "G.B": "2"}, b.Base())
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 1, c.ID.Seq)

	// Base returns a copy.
	b.Base()["G.C"] = "3"
	assert.Len(t, b.Base(), 2)
}

func TestDesignMerge(t *testing.T) {
	base := Design{"a": "1", "b": "2"}
	got := base.Merge(Design{"b": "3", "c": "4"})

	assert.Equal(t, Design{"a": "1", "b": "3", "c": "4"}, got)
	assert.Equal(t, Design{"a": "1", "b": "2"}, base, "merge must not modify the receiver")
	assert.Equal(t, []string{"a", "b", "c"}, got.Keys())
}
