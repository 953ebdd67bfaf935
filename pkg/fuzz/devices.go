package fuzz

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
)

// DeviceJob is one device to fuzz with RunDevices.
type DeviceJob struct {
	Backend Backend
	Family  Family
	Config  *Config // nil means DefaultConfig; each job needs its own

	// Options apply to this job's session only, after the shared ones.
	// WithLedger and WithRand belong here.
	Options []Option
}

// ErrSharedState is returned by RunDevices when a shared option would hand
// the same ledger or random source to concurrent sessions.
var ErrSharedState = errors.New("fuzz: WithLedger and WithRand cannot be shared between devices")

// DeviceResult is the outcome of one DeviceJob.
type DeviceResult struct {
	Device string
	Report *Report
	Ledger *ledger.Ledger
	Table  *ledger.Table
}

// RunDevices fuzzes independent devices in parallel, at most workers at a
// time (0 means unlimited). opts apply to every session and may only carry
// goroutine-safe state such as the logger and observer. Sessions share
// nothing else, so each gets its own random source seeded from its Config.
// The first failure cancels the rest.
func RunDevices(ctx context.Context, jobs []DeviceJob, workers int, opts ...Option) ([]DeviceResult, error) {
	if sharesState(opts) {
		return nil, ErrSharedState
	}

	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}

	results := make([]DeviceResult, len(jobs))
	for i, job := range jobs {
		g.Go(func() error {
			s, err := NewSession(job.Backend, job.Family, job.Config, slices.Concat(opts, job.Options)...)
			if err != nil {
				return fmt.Errorf("fuzz: device %s: %w", job.Backend.DeviceName(), err)
			}
			report, err := s.Run(ctx, nil)
			if err != nil {
				return fmt.Errorf("fuzz: device %s: %w", job.Backend.DeviceName(), err)
			}
			results[i] = DeviceResult{
				Device: report.Device,
				Report: report,
				Ledger: s.Ledger(),
				Table:  s.Table(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// sharesState reports whether opts set per-session mutable state.
func sharesState(opts []Option) bool {
	var s Session
	for _, opt := range opts {
		opt(&s)
	}
	return s.ledger != nil || s.rng != nil
}
