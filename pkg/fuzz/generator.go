package fuzz

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
)

// State is the lifecycle position of a Generator.
type State int

const (
	StateFresh     State = iota // Ready to try placing an experiment
	StateProduced               // Placed an experiment in the current batch
	StateDeferred               // Every candidate clashed with the current batch
	StateExhausted              // No candidate location satisfies the mandatory properties
	StateDone                   // Produced its experiment; nothing more to do
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateProduced:
		return "produced"
	case StateDeferred:
		return "deferred"
	case StateExhausted:
		return "exhausted"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Generator places experiments for one fuzzer within a pool of candidate
// locations. Each generator produces at most one experiment; optional
// properties that did not hold are chased by a successor.
type Generator struct {
	fuzzer  Fuzzer
	pool    []TileCoord
	require []Prop // optional props promoted to mandatory by narrowing
	state   State
	depth   int
}

// NewGenerator returns a fresh generator over pool.
func NewGenerator(f Fuzzer, pool []TileCoord) *Generator {
	return &Generator{fuzzer: f, pool: slices.Clone(pool)}
}

func (g *Generator) Fuzzer() Fuzzer    { return g.fuzzer }
func (g *Generator) State() State      { return g.state }
func (g *Generator) Pool() []TileCoord { return g.pool }
func (g *Generator) Depth() int        { return g.depth }

// Step is the outcome of one generator step.
type Step struct {
	State      State
	Experiment *Experiment

	// Successor chases the optional properties that did not hold at the
	// chosen location. Nil when every property held or when no location in
	// the pool satisfies them.
	Successor *Generator

	// Unsatisfiable lists optional properties that no location in the pool
	// satisfies together.
	Unsatisfiable []string
}

type placement int

const (
	placed placement = iota
	unmet
	clashed
)

// Step tries to place one experiment into batch. Sampling draws up to
// cfg.SampleAttempts random locations; if none fits and the pool is small
// enough the rest of the pool is scanned in order.
func (g *Generator) Step(ctx context.Context, b Backend, batch *Batch, rng *rand.Rand, cfg *Config) (Step, error) {
	if g.state == StateDone || g.state == StateExhausted {
		return Step{State: g.state}, nil
	}

	tried := make(map[int]bool)
	sawClash := false

	try := func(i int) (Step, bool, error) {
		tried[i] = true
		exp, res, err := g.place(ctx, b, batch, g.pool[i])
		if err != nil {
			return Step{}, false, err
		}
		switch res {
		case clashed:
			sawClash = true
			return Step{}, false, nil
		case unmet:
			return Step{}, false, nil
		}
		return g.produced(b, exp), true, nil
	}

	n := len(g.pool)
	for attempt := 0; attempt < cfg.SampleAttempts && len(tried) < n; attempt++ {
		i := rng.IntN(n)
		if tried[i] {
			continue
		}
		step, ok, err := try(i)
		if err != nil || ok {
			return step, err
		}
	}

	if n <= cfg.ExhaustiveLimit {
		for i := range g.pool {
			if tried[i] {
				continue
			}
			step, ok, err := try(i)
			if err != nil || ok {
				return step, err
			}
		}
	}

	// A large pool that was only sampled is never declared exhausted while
	// sampling still hit clashes.
	if sawClash || (n > cfg.ExhaustiveLimit && batch.Len() > 0) {
		g.state = StateDeferred
		return Step{State: StateDeferred}, nil
	}
	g.state = StateExhausted
	return Step{State: StateExhausted}, nil
}

func (g *Generator) produced(b Backend, exp *Experiment) Step {
	g.state = StateDone
	step := Step{State: StateProduced, Experiment: exp}
	if len(exp.Sad) == 0 {
		return step
	}

	var sad []Prop
	for _, p := range g.fuzzer.Props() {
		if slices.Contains(exp.Sad, p.Name()) {
			sad = append(sad, p)
		}
	}
	var narrowed []TileCoord
	for _, loc := range g.pool {
		if holdsAll(sad, b, loc) {
			narrowed = append(narrowed, loc)
		}
	}
	if len(narrowed) == 0 {
		step.Unsatisfiable = exp.Sad
		return step
	}
	step.Successor = &Generator{
		fuzzer:  g.fuzzer,
		pool:    narrowed,
		require: append(slices.Clone(g.require), sad...),
		depth:   g.depth + 1,
	}
	return step
}

func holdsAll(props []Prop, b Backend, loc TileCoord) bool {
	for _, p := range props {
		if !p.Holds(b, loc) {
			return false
		}
	}
	return true
}

// place evaluates one candidate location and commits the experiment to batch
// when it fits.
func (g *Generator) place(ctx context.Context, b Backend, batch *Batch, loc TileCoord) (*Experiment, placement, error) {
	if err := ctx.Err(); err != nil {
		return nil, unmet, err
	}

	var sad []string
	for _, p := range g.fuzzer.Props() {
		if p.Holds(b, loc) {
			continue
		}
		if !p.Optional() {
			return nil, unmet, nil
		}
		sad = append(sad, p.Name())
	}
	if !holdsAll(g.require, b, loc) {
		return nil, unmet, nil
	}

	exp, err := g.fuzzer.Build(loc)
	if err != nil {
		return nil, unmet, fmt.Errorf("fuzz: build %s at %v: %w", g.fuzzer.Name(), loc, err)
	}
	exp.Fuzzer = g.fuzzer.Name()
	exp.Tile = loc
	exp.Sad = sad

	if err := batch.Check(exp); err != nil {
		return nil, clashed, nil
	}

	designs := []Design{batch.designFor(exp, nil)}
	for _, v := range exp.Variants {
		designs = append(designs, batch.designFor(exp, v))
	}
	for _, d := range designs {
		if err := b.Validate(ctx, d); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, unmet, ctxErr
			}
			// Against an empty batch the experiment is illegal on its own.
			if batch.Len() == 0 {
				return nil, unmet, nil
			}
			return nil, clashed, nil
		}
	}

	regions, err := b.TileBits(ctx, loc)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, unmet, err
		}
		return nil, unmet, fmt.Errorf("fuzz: tile bits for %v: %w", loc, err)
	}
	for i := range exp.Targets {
		exp.Targets[i].Regions = regions
	}

	batch.Commit(exp)
	return exp, placed, nil
}
