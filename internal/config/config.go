// Package config loads bitfuzz settings from a TOML file with environment
// variable overrides.
//
// Precedence, lowest first: built-in defaults, the config file, BITFUZZ_*
// environment variables. Command-line flags are applied by the caller.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"
)

// Config is the full tool configuration.
type Config struct {
	Fuzz    Fuzz    `toml:"fuzz"`
	Devices Devices `toml:"devices"`
	Log     Log     `toml:"log"`
	Cache   Cache   `toml:"cache"`
	Store   Store   `toml:"store"`
	Metrics Metrics `toml:"metrics"`
	Trace   Trace   `toml:"trace"`
}

// Fuzz holds the scheduler settings. Zero values fall back to fuzz defaults.
type Fuzz struct {
	BatchSize       int    `toml:"batch_size" env:"BITFUZZ_BATCH_SIZE"`
	Repeats         int    `toml:"repeats" env:"BITFUZZ_REPEATS"`
	SampleAttempts  int    `toml:"sample_attempts" env:"BITFUZZ_SAMPLE_ATTEMPTS"`
	ExhaustiveLimit int    `toml:"exhaustive_limit" env:"BITFUZZ_EXHAUSTIVE_LIMIT"`
	Seed            int64  `toml:"seed" env:"BITFUZZ_SEED"`
	OnlyFuzzers     string `toml:"only_fuzzers" env:"BITFUZZ_ONLY_FUZZERS"`
	Workers         int    `toml:"workers" env:"BITFUZZ_WORKERS"`
}

// Devices says where device descriptions are loaded from.
type Devices struct {
	Dir   string   `toml:"dir" env:"BITFUZZ_DEVICE_DIR"`
	Files []string `toml:"files" env:"BITFUZZ_DEVICE_FILES" envSeparator:","`
}

// Log configures the process logger.
type Log struct {
	Level  string `toml:"level" env:"BITFUZZ_LOG_LEVEL"`
	Format string `toml:"format" env:"BITFUZZ_LOG_FORMAT"`
}

// Cache configures the compiled image cache. An empty Path with Memory unset
// disables caching.
type Cache struct {
	Path   string `toml:"path" env:"BITFUZZ_CACHE_PATH"`
	Memory bool   `toml:"memory" env:"BITFUZZ_CACHE_MEMORY"`
}

// Enabled reports whether a cache should be opened.
func (c Cache) Enabled() bool { return c.Path != "" || c.Memory }

// Store configures the run database. An empty Path disables it.
type Store struct {
	Path string `toml:"path" env:"BITFUZZ_STORE_PATH"`
}

// Metrics configures the Prometheus textfile written after a run.
type Metrics struct {
	Textfile string `toml:"textfile" env:"BITFUZZ_METRICS_TEXTFILE"`
}

// Trace configures span export.
type Trace struct {
	Enabled bool   `toml:"enabled" env:"BITFUZZ_TRACE"`
	Output  string `toml:"output" env:"BITFUZZ_TRACE_OUTPUT"` // empty means stderr
}

// Default returns the built-in configuration.
func Default() *Config {
	d := fuzz.DefaultConfig()
	return &Config{
		Fuzz: Fuzz{
			BatchSize:       d.BatchSize,
			Repeats:         d.Repeats,
			SampleAttempts:  d.SampleAttempts,
			ExhaustiveLimit: d.ExhaustiveLimit,
			Workers:         1,
		},
		Log: Log{Level: "info", Format: "console"},
	}
}

// Load reads the config file at path, if any, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that the packages consuming them would otherwise
// reject later with less context.
func (c *Config) Validate() error {
	var errs []error
	if c.Fuzz.Workers < 0 {
		errs = append(errs, fmt.Errorf("fuzz.workers must not be negative, got %d", c.Fuzz.Workers))
	}
	if _, err := c.FuzzConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Cache.Path != "" && c.Cache.Memory {
		errs = append(errs, errors.New("cache.path and cache.memory are mutually exclusive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// FuzzConfig converts the scheduler section into a validated fuzz.Config.
func (c *Config) FuzzConfig() (*fuzz.Config, error) {
	fc := &fuzz.Config{
		BatchSize:       c.Fuzz.BatchSize,
		Repeats:         c.Fuzz.Repeats,
		SampleAttempts:  c.Fuzz.SampleAttempts,
		ExhaustiveLimit: c.Fuzz.ExhaustiveLimit,
		Seed:            c.Fuzz.Seed,
		OnlyFuzzers:     c.Fuzz.OnlyFuzzers,
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}
