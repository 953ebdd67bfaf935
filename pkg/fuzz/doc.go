// Package fuzz discovers which configuration bits encode which attribute by
// running many small differential experiments against a Backend.
//
// The approach mirrors "drive one pin, watch everyone else": change one
// setting at a randomly sampled tile, compile, diff the result against a
// baseline and attribute every changed bit to the setting that was changed.
//
// # Overview
//
// A device session proceeds in batches:
//  1. Every Fuzzer supplied by the device Family gets Repeats independent
//     Generators, each with the full pool of tile instances of its kind.
//  2. Each Generator samples candidate tiles at random (falling back to an
//     exhaustive scan for small pools) until it finds one where all mandatory
//     properties hold and the resulting experiment does not contradict
//     anything already committed to the batch. The Backend gets a dry run of
//     the combined design before the experiment is committed.
//  3. When optional properties could not be satisfied at the chosen tile, the
//     Generator hands back a successor whose pool is narrowed to tiles where
//     those properties do hold. The successor runs in a later batch.
//  4. The whole batch is compiled at once: one design for the combined
//     baseline plus one per experiment variant.
//  5. Each variant is diffed against the baseline, translated into tile-local
//     coordinates through the experiment's candidate regions and inserted into
//     the ledger. Disagreeing evidence is reported as a ledger.Conflict.
//
// # Usage
//
//	cfg := fuzz.DefaultConfig()
//	cfg.Seed = 42
//
//	s, err := fuzz.NewSession(backend, family, cfg, fuzz.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	report, err := s.Run(ctx, nil)
//	if err != nil {
//		return err // topology defects: shape mismatch, unmapped address
//	}
//	table := s.Table()
//
// Independent devices can be processed in parallel with RunDevices.
//
// # Errors
//
// Model and topology defects (bitimage.ErrShapeMismatch,
// bitaddr.ErrAddressUnmapped, Backend compile failures) abort the session and
// are returned from Run with full context. Experiment-level nondeterminism is
// never an error: conflicts land in Report.Conflicts and unreachable
// feature/location pairings in Report.Exhausted.
package fuzz
