package fuzz

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitaddr"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/bitimage"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

const tracerName = "github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"

// Progress reports the current state of a session.
type Progress struct {
	Phase       string // "init", "batch", "finalizing"
	Batch       int    // Current batch index
	Pending     int    // Generators waiting for a batch
	Experiments int    // Experiments committed so far
	Conflicts   int    // Conflicts recorded so far
}

// Report summarizes a finished session.
type Report struct {
	Device      string
	Batches     int
	Experiments int
	Features    int
	Conflicts   []ledger.Conflict

	// Exhausted lists fuzzers with a generator that found no legal location.
	Exhausted []string

	// Unsatisfiable lists "fuzzer: prop" pairs for optional properties no
	// location on the device satisfies.
	Unsatisfiable []string
}

// Session fuzzes one device.
type Session struct {
	backend Backend
	family  Family
	cfg     *Config
	ledger  *ledger.Ledger
	log     zerolog.Logger
	obs     Observer
	rng     *rand.Rand
	tracer  trace.Tracer
	diff    func(a, b *bitimage.Image) (bitimage.Diff, error)

	report Report
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the session logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.obs = o }
}

// WithRand overrides the random source. A *rand.Rand is not safe for
// concurrent use, so it must not be shared between sessions.
func WithRand(r *rand.Rand) Option {
	return func(s *Session) { s.rng = r }
}

// WithLedger resumes from previously gathered evidence.
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Session) { s.ledger = l }
}

// NewSession prepares a session. cfg is validated in place; nil means
// DefaultConfig.
func NewSession(b Backend, f Family, cfg *Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fuzz: invalid config: %w", err)
	}

	s := &Session{
		backend: b,
		family:  f,
		cfg:     cfg,
		log:     zerolog.Nop(),
		obs:     NopObserver{},
		tracer:  otel.Tracer(tracerName),
		diff:    differFor(b),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger == nil {
		s.ledger = ledger.New()
	}
	if s.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
	}
	s.log = s.log.With().Str("device", b.DeviceName()).Logger()
	return s, nil
}

// Ledger returns the evidence gathered so far.
func (s *Session) Ledger() *ledger.Ledger { return s.ledger }

// Table finalizes the evidence into an attribute table.
func (s *Session) Table() *ledger.Table {
	return s.ledger.Table(s.backend.DeviceName())
}

// Run executes batches until every generator is done or exhausted.
// progress is optional; when set, the caller must drain it.
func (s *Session) Run(ctx context.Context, progress chan<- Progress) (*Report, error) {
	device := s.backend.DeviceName()
	s.report = Report{Device: device}

	send := func(p Progress) {
		if progress == nil {
			return
		}
		select {
		case progress <- p:
		case <-ctx.Done():
		}
	}
	send(Progress{Phase: "init"})

	// Resumed evidence keeps its experiment IDs; new batches follow them.
	firstBatch := s.ledger.NextBatch()

	var pending []*Generator
	for _, f := range s.family.Fuzzers(s.backend) {
		if !s.cfg.ShouldRun(f.Name()) {
			continue
		}
		pool := s.backend.Instances(f.TileKind())
		for r := 0; r < s.cfg.Repeats; r++ {
			pending = append(pending, NewGenerator(f, pool))
		}
	}
	s.log.Info().
		Str("family", s.family.Name()).
		Int("generators", len(pending)).
		Int("batch_size", s.cfg.BatchSize).
		Int("first_batch", firstBatch).
		Msg("fuzzing session started")

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch := NewBatch(firstBatch + s.report.Batches)
		next, err := s.fill(ctx, batch, pending)
		if err != nil {
			return nil, err
		}
		if batch.Len() == 0 {
			// Unreachable unless a generator defers against an empty batch.
			for _, g := range next {
				s.exhausted(g)
			}
			break
		}

		send(Progress{
			Phase:       "batch",
			Batch:       batch.Index(),
			Pending:     len(next),
			Experiments: s.report.Experiments,
			Conflicts:   len(s.report.Conflicts),
		})
		if err := s.execute(ctx, batch); err != nil {
			return nil, err
		}
		s.report.Batches++
		pending = next
	}

	s.report.Features = s.ledger.Len()
	send(Progress{
		Phase:       "finalizing",
		Batch:       s.report.Batches,
		Experiments: s.report.Experiments,
		Conflicts:   len(s.report.Conflicts),
	})
	s.log.Info().
		Int("batches", s.report.Batches).
		Int("experiments", s.report.Experiments).
		Int("features", s.report.Features).
		Int("conflicts", len(s.report.Conflicts)).
		Int("exhausted", len(s.report.Exhausted)).
		Msg("fuzzing session finished")

	report := s.report
	return &report, nil
}

// fill steps pending generators into batch until it is full. It returns the
// generators for the next batch: successors, deferred generators and any that
// did not get a turn.
func (s *Session) fill(ctx context.Context, batch *Batch, pending []*Generator) ([]*Generator, error) {
	var next []*Generator
	for i, g := range pending {
		if batch.Len() >= s.cfg.BatchSize {
			next = append(next, pending[i:]...)
			break
		}

		step, err := g.Step(ctx, s.backend, batch, s.rng, s.cfg)
		if err != nil {
			return nil, err
		}
		switch step.State {
		case StateProduced:
			s.report.Experiments++
			s.obs.ExperimentProduced(s.report.Device, g.Fuzzer().Name())
			s.log.Debug().
				Str("experiment", step.Experiment.ID.String()).
				Str("fuzzer", step.Experiment.Fuzzer).
				Str("tile", step.Experiment.Tile.String()).
				Strs("sad", step.Experiment.Sad).
				Msg("experiment placed")
			if step.Successor != nil {
				next = append(next, step.Successor)
			}
			for _, p := range step.Unsatisfiable {
				s.report.Unsatisfiable = append(s.report.Unsatisfiable, g.Fuzzer().Name()+": "+p)
			}
		case StateDeferred:
			next = append(next, g)
		case StateExhausted:
			s.exhausted(g)
		}
	}
	return next, nil
}

func (s *Session) exhausted(g *Generator) {
	name := g.Fuzzer().Name()
	s.report.Exhausted = append(s.report.Exhausted, name)
	s.obs.GeneratorExhausted(s.report.Device, name)
	s.log.Warn().
		Str("fuzzer", name).
		Int("pool", len(g.Pool())).
		Int("depth", g.Depth()).
		Msg("no legal location for fuzzer")
}

// execute compiles the batch and records every experiment's evidence.
func (s *Session) execute(ctx context.Context, batch *Batch) error {
	base := batch.Base()
	designs := []Design{base}
	for _, exp := range batch.Experiments() {
		for _, v := range exp.Variants {
			designs = append(designs, base.Merge(v))
		}
	}

	ctx, span := s.tracer.Start(ctx, "fuzz.batch", trace.WithAttributes(
		attribute.String("device", s.report.Device),
		attribute.Int("batch", batch.Index()),
		attribute.Int("experiments", batch.Len()),
		attribute.Int("designs", len(designs)),
	))
	defer span.End()

	start := time.Now()
	images, err := s.backend.Compile(ctx, designs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compile failed")
		return fmt.Errorf("fuzz: compile batch %d: %w", batch.Index(), err)
	}
	if len(images) != len(designs) {
		err := fmt.Errorf("fuzz: compile batch %d: got %d images for %d designs", batch.Index(), len(images), len(designs))
		span.SetStatus(codes.Error, "image count mismatch")
		return err
	}
	elapsed := time.Since(start)
	s.obs.BatchCompiled(s.report.Device, len(designs), elapsed)
	s.log.Debug().
		Int("batch", batch.Index()).
		Int("designs", len(designs)).
		Dur("elapsed", elapsed).
		Msg("batch compiled")

	baseImg := images[0]
	next := 1
	for _, exp := range batch.Experiments() {
		diffs := make([]bitimage.Diff, len(exp.Variants))
		for i := range exp.Variants {
			d, err := s.diff(baseImg, images[next])
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "diff failed")
				return fmt.Errorf("fuzz: experiment %v (%s at %v): %w", exp.ID, exp.Fuzzer, exp.Tile, err)
			}
			diffs[i] = d
			next++
		}
		if err := s.record(exp, diffs); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "unmapped address")
			return err
		}
	}
	return nil
}

func (s *Session) record(exp *Experiment, diffs []bitimage.Diff) error {
	for _, target := range exp.Targets {
		evidence := ledger.Evidence{
			Diffs:        make([]ledger.TileDiff, len(diffs)),
			Sources:      []ledger.ExperimentID{exp.ID},
			Decomposable: target.Decomposable,
		}
		for i, d := range diffs {
			td := make(ledger.TileDiff, len(d))
			for _, addr := range d.Keys() {
				tb, err := bitaddr.Resolve(addr, target.Regions)
				if err != nil {
					return fmt.Errorf("fuzz: experiment %v (%s at %v) variant %d: %w",
						exp.ID, exp.Fuzzer, exp.Tile, i, err)
				}
				td[tb] = d[addr]
			}
			evidence.Diffs[i] = td
		}

		for _, c := range s.ledger.Insert(target.Key, evidence) {
			s.report.Conflicts = append(s.report.Conflicts, c)
			s.obs.ConflictRecorded(s.report.Device, c.Key)
			s.log.Warn().
				Str("feature", c.Key.String()).
				Str("experiment", exp.ID.String()).
				Str("tile", exp.Tile.String()).
				Msg("conflicting evidence")
		}
	}
	return nil
}
