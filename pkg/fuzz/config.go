package fuzz

import (
	"fmt"
	"regexp"
)

// Config controls the experiment scheduler.
type Config struct {
	// Batching
	BatchSize int // Maximum experiments compiled together (default: 64)
	Repeats   int // Independent generators per fuzzer (default: 2)

	// Sampling
	SampleAttempts  int   // Random location draws per generator step (default: 16)
	ExhaustiveLimit int   // Pools up to this size are scanned in full when sampling misses (default: 4096)
	Seed            int64 // Fixed seed for reproducible runs; 0 seeds from the clock

	// Fuzzer filtering
	OnlyFuzzers string // If set, only run fuzzers whose name matches this regex

	// Internal compiled regex
	fuzzerRegex *regexp.Regexp
}

// DefaultConfig returns a Config with sensible defaults for most devices.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       64,
		Repeats:         2,
		SampleAttempts:  16,
		ExhaustiveLimit: 4096,
	}
}

// Validate checks the configuration for errors and compiles any regex patterns.
func (c *Config) Validate() error {
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.Repeats < 1 {
		c.Repeats = 1
	}
	if c.SampleAttempts < 1 {
		c.SampleAttempts = 1
	}
	if c.ExhaustiveLimit < 0 {
		c.ExhaustiveLimit = 0
	}

	c.fuzzerRegex = nil
	if c.OnlyFuzzers != "" {
		re, err := regexp.Compile(c.OnlyFuzzers)
		if err != nil {
			return fmt.Errorf("only-fuzzers pattern: %w", err)
		}
		c.fuzzerRegex = re
	}
	return nil
}

// ShouldRun reports whether the named fuzzer passes the OnlyFuzzers filter.
func (c *Config) ShouldRun(name string) bool {
	if c.fuzzerRegex == nil {
		return true
	}
	return c.fuzzerRegex.MatchString(name)
}
