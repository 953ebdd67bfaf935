package fuzz

import (
	"errors"
	"fmt"
	"maps"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

// ErrContradiction means an experiment cannot join a batch.
var ErrContradiction = errors.New("contradicts batch")

// ContradictionError names the setting or resource that clashes.
type ContradictionError struct {
	What  string // "base", "variant" or "resource"
	Name  string
	Owner ledger.ExperimentID
}

func (e *ContradictionError) Error() string {
	return fmt.Sprintf("%s %q already claimed by %v", e.What, e.Name, e.Owner)
}

func (e *ContradictionError) Unwrap() error { return ErrContradiction }

// Batch is the constraint set of experiments that will be compiled together.
// Base settings must agree across experiments, a key varied by one experiment
// may not be touched by any other, and resources are exclusive.
type Batch struct {
	index       int
	base        Design
	baseOwner   map[string]ledger.ExperimentID
	varied      map[string]ledger.ExperimentID
	resources   map[string]ledger.ExperimentID
	experiments []*Experiment
}

// NewBatch returns an empty batch with the given index.
func NewBatch(index int) *Batch {
	return &Batch{
		index:     index,
		base:      make(Design),
		baseOwner: make(map[string]ledger.ExperimentID),
		varied:    make(map[string]ledger.ExperimentID),
		resources: make(map[string]ledger.ExperimentID),
	}
}

// Index returns the batch number.
func (b *Batch) Index() int { return b.index }

// Len returns the number of committed experiments.
func (b *Batch) Len() int { return len(b.experiments) }

// Base returns a copy of the combined baseline design.
func (b *Batch) Base() Design { return maps.Clone(b.base) }

// Experiments returns the committed experiments in commit order.
func (b *Batch) Experiments() []*Experiment { return b.experiments }

// Check reports whether exp could join the batch without contradicting an
// experiment that is already committed.
func (b *Batch) Check(exp *Experiment) error {
	for k, v := range exp.Base {
		if cur, ok := b.base[k]; ok && cur != v {
			return &ContradictionError{What: "base", Name: k, Owner: b.baseOwner[k]}
		}
		if owner, ok := b.varied[k]; ok {
			return &ContradictionError{What: "base", Name: k, Owner: owner}
		}
	}
	for _, v := range exp.Variants {
		for k := range v {
			if owner, ok := b.baseOwner[k]; ok {
				return &ContradictionError{What: "variant", Name: k, Owner: owner}
			}
			if owner, ok := b.varied[k]; ok {
				return &ContradictionError{What: "variant", Name: k, Owner: owner}
			}
		}
	}
	for _, r := range exp.Resources {
		if owner, ok := b.resources[r]; ok {
			return &ContradictionError{What: "resource", Name: r, Owner: owner}
		}
	}
	return nil
}

// Commit adds exp to the batch and assigns its ID. The caller must have
// checked it first.
func (b *Batch) Commit(exp *Experiment) ledger.ExperimentID {
	exp.ID = ledger.ExperimentID{Batch: b.index, Seq: len(b.experiments)}
	for k, v := range exp.Base {
		b.base[k] = v
		if _, ok := b.baseOwner[k]; !ok {
			b.baseOwner[k] = exp.ID
		}
	}
	for _, v := range exp.Variants {
		for k := range v {
			b.varied[k] = exp.ID
		}
	}
	for _, r := range exp.Resources {
		b.resources[r] = exp.ID
	}
	b.experiments = append(b.experiments, exp)
	return exp.ID
}

// designFor merges the batch baseline with exp's own settings and one of its
// variants, for a dry run before commit.
func (b *Batch) designFor(exp *Experiment, variant Design) Design {
	return b.base.Merge(exp.Base).Merge(variant)
}
