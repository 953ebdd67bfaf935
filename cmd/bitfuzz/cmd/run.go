package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFuzz/internal/metrics"
	"github.com/OpenTraceLab/OpenTraceFuzz/internal/tracing"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/fuzz"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/imagecache"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/ledger"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/store"
)

var (
	// Flags for run command
	runSeed        int64
	runBatchSize   int
	runRepeats     int
	runWorkers     int
	runOnly        string
	runOutput      string
	runFormat      string
	runCachePath   string
	runCacheMemory bool
	runStorePath   string
	runMetricsFile string
	runTrace       bool
	runTraceOutput string
	runResume      string
)

var runCmd = &cobra.Command{
	Use:   "run [device...]",
	Short: "Fuzz devices and recover their attribute tables",
	Long: `Run a fuzzing session for each named device (all loaded devices when none
are named).

Each session schedules experiments into batches, compiles every batch with one
backend call, diffs the images against the batch baseline and records the
tile-local evidence in a ledger. Evidence that disagrees between locations is
reported as a conflict; it never aborts the run.

Examples:
  # Reproducible run of one device, tables written as YAML
  bitfuzz run -d devices/ sim8 --seed 42 --output tables/ --format yaml

  # All devices, four at a time, with a persistent image cache and run store
  bitfuzz run -d devices/ --workers 4 --cache .bitfuzz-cache --store runs.db

  # Continue from the evidence of an earlier stored run
  bitfuzz run -d devices/ sim8 --store runs.db --resume 6f1c...`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Int64Var(&runSeed, "seed", 0,
		"fixed sampling seed (0 = seed from the clock)")
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0,
		"maximum experiments per batch")
	runCmd.Flags().IntVar(&runRepeats, "repeats", 0,
		"independent generators per fuzzer")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0,
		"devices fuzzed in parallel (0 = unlimited)")
	runCmd.Flags().StringVar(&runOnly, "only-fuzzers", "",
		"only run fuzzers whose name matches this regex")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "",
		"directory to write one attribute table per device")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "json",
		"table format (json, yaml)")
	runCmd.Flags().StringVar(&runCachePath, "cache", "",
		"image cache directory")
	runCmd.Flags().BoolVar(&runCacheMemory, "cache-memory", false,
		"keep the image cache in memory for this run")
	runCmd.Flags().StringVar(&runStorePath, "store", "",
		"SQLite database to save runs into")
	runCmd.Flags().StringVar(&runMetricsFile, "metrics", "",
		"write Prometheus metrics to this textfile when done")
	runCmd.Flags().BoolVar(&runTrace, "trace", false,
		"export spans (to stderr unless --trace-output is set)")
	runCmd.Flags().StringVar(&runTraceOutput, "trace-output", "",
		"file to export spans to")
	runCmd.Flags().StringVar(&runResume, "resume", "",
		"stored run id whose evidence seeds the ledger (one device only)")
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("seed") {
		cfg.Fuzz.Seed = runSeed
	}
	if f.Changed("batch-size") {
		cfg.Fuzz.BatchSize = runBatchSize
	}
	if f.Changed("repeats") {
		cfg.Fuzz.Repeats = runRepeats
	}
	if f.Changed("workers") {
		cfg.Fuzz.Workers = runWorkers
	}
	if f.Changed("only-fuzzers") {
		cfg.Fuzz.OnlyFuzzers = runOnly
	}
	if f.Changed("cache") {
		cfg.Cache.Path = runCachePath
	}
	if f.Changed("cache-memory") {
		cfg.Cache.Memory = runCacheMemory
	}
	if f.Changed("store") {
		cfg.Store.Path = runStorePath
	}
	if f.Changed("metrics") {
		cfg.Metrics.Textfile = runMetricsFile
	}
	if f.Changed("trace") {
		cfg.Trace.Enabled = runTrace
	}
	if f.Changed("trace-output") {
		cfg.Trace.Output = runTraceOutput
	}
}

// traceWriter returns where spans go: the configured file, or stderr.
func traceWriter(cmd *cobra.Command) (io.Writer, func() error, error) {
	if !cfg.Trace.Enabled || cfg.Trace.Output == "" {
		return cmd.ErrOrStderr(), func() error { return nil }, nil
	}
	f, err := os.Create(cfg.Trace.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open trace output: %w", err)
	}
	return f, f.Close, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	started := time.Now()

	applyRunFlags(cmd)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if runFormat != "json" && runFormat != "yaml" {
		return fmt.Errorf("unknown table format %q", runFormat)
	}
	if runResume != "" && cfg.Store.Path == "" {
		return errors.New("--resume needs a run store (--store)")
	}

	cat, err := loadCatalog()
	if err != nil {
		return err
	}
	devs, err := lookupDevices(cat, args)
	if err != nil {
		return err
	}
	if runResume != "" && len(devs) != 1 {
		return errors.New("--resume applies to exactly one device")
	}

	traceOut, closeTrace, err := traceWriter(cmd)
	if err != nil {
		return err
	}
	defer closeTrace()
	shutdown, err := tracing.Init(tracing.Options{
		Service: "bitfuzz",
		Enabled: cfg.Trace.Enabled,
		Out:     traceOut,
	})
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	var cache *imagecache.Cache
	if cfg.Cache.Enabled() {
		cache, err = imagecache.Open(imagecache.Options{
			Path:     cfg.Cache.Path,
			InMemory: cfg.Cache.Memory,
			Logger:   logger.With().Str("component", "imagecache").Logger(),
		})
		if err != nil {
			return err
		}
		defer cache.Close()
	}

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()
	}

	m := metrics.New()
	opts := []fuzz.Option{fuzz.WithLogger(logger), fuzz.WithObserver(m)}
	var resumed *ledger.Ledger
	if runResume != "" {
		id, err := uuid.Parse(runResume)
		if err != nil {
			return fmt.Errorf("invalid run id %q: %w", runResume, err)
		}
		l, err := st.LoadLedger(ctx, id)
		if err != nil {
			return err
		}
		logger.Info().Str("run", id.String()).Int("features", l.Len()).Msg("resuming from stored evidence")
		resumed = l
	}

	jobs := make([]fuzz.DeviceJob, 0, len(devs))
	for _, dev := range devs {
		fc, err := cfg.FuzzConfig()
		if err != nil {
			return err
		}
		var be fuzz.Backend = dev
		if cache != nil {
			be = cache.Wrap(dev)
		}
		job := fuzz.DeviceJob{Backend: be, Family: dev.Family(), Config: fc}
		if resumed != nil {
			job.Options = []fuzz.Option{fuzz.WithLedger(resumed)}
		}
		jobs = append(jobs, job)
	}

	var results []fuzz.DeviceResult
	if len(jobs) == 1 {
		results, err = runSingle(ctx, out, jobs[0], opts)
	} else {
		results, err = fuzz.RunDevices(ctx, jobs, cfg.Fuzz.Workers, opts...)
	}
	if err != nil {
		return err
	}
	finished := time.Now()

	for _, r := range results {
		printReport(out, r)

		if runOutput != "" {
			path, err := writeTable(runOutput, runFormat, r.Table)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  table: %s\n", path)
		}
		if st != nil {
			id, err := st.SaveRun(ctx, store.RunRecord{
				Device:      r.Device,
				Started:     started,
				Finished:    finished,
				Batches:     r.Report.Batches,
				Experiments: r.Report.Experiments,
				Conflicts:   len(r.Report.Conflicts),
			}, r.Ledger, r.Table)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  run: %s\n", id)
		}
	}

	if cache != nil {
		hits, misses := cache.Stats()
		m.SetCacheStats(hits, misses)
		logger.Info().Int64("hits", hits).Int64("misses", misses).Msg("image cache")
	}
	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\nCompleted %d device(s) in %v\n", len(results), finished.Sub(started).Round(time.Millisecond))
	return nil
}

// runSingle runs one session in the foreground so progress can be shown.
func runSingle(ctx context.Context, out io.Writer, job fuzz.DeviceJob, opts []fuzz.Option) ([]fuzz.DeviceResult, error) {
	s, err := fuzz.NewSession(job.Backend, job.Family, job.Config, slices.Concat(opts, job.Options)...)
	if err != nil {
		return nil, err
	}

	progress := make(chan fuzz.Progress, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			if verbose {
				fmt.Fprintf(out, "  [%s] batch %d: %d pending, %d experiments, %d conflicts\n",
					p.Phase, p.Batch, p.Pending, p.Experiments, p.Conflicts)
			}
		}
	}()
	report, err := s.Run(ctx, progress)
	close(progress)
	<-done
	if err != nil {
		return nil, err
	}
	return []fuzz.DeviceResult{{
		Device: report.Device,
		Report: report,
		Ledger: s.Ledger(),
		Table:  s.Table(),
	}}, nil
}

func printReport(out io.Writer, r fuzz.DeviceResult) {
	rep := r.Report
	fmt.Fprintf(out, "%s: %d batch(es), %d experiment(s), %d attribute(s), %d conflict(s)\n",
		r.Device, rep.Batches, rep.Experiments, len(r.Table.Attrs), len(rep.Conflicts))
	for _, c := range rep.Conflicts {
		fmt.Fprintf(out, "  conflict: %s stored %v from %v, got %v from %v\n",
			c.Key, c.Stored, c.Prior, c.Incoming, c.Sources)
	}
	for _, name := range rep.Exhausted {
		fmt.Fprintf(out, "  exhausted: %s\n", name)
	}
	for _, u := range rep.Unsatisfiable {
		fmt.Fprintf(out, "  unsatisfiable: %s\n", u)
	}
	for _, p := range r.Table.Problems {
		fmt.Fprintf(out, "  problem: %s\n", p)
	}
}

func writeTable(dir, format string, t *ledger.Table) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := encodeTable(format, t)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, t.Device+"."+format)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write table: %w", err)
	}
	return path, nil
}

func encodeTable(format string, t *ledger.Table) ([]byte, error) {
	switch format {
	case "yaml":
		return t.ExportYAML()
	case "json":
		return t.ExportJSON()
	default:
		return nil, fmt.Errorf("unknown table format %q", format)
	}
}
