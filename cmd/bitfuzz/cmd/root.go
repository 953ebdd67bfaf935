package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFuzz/internal/config"
	"github.com/OpenTraceLab/OpenTraceFuzz/internal/logging"
	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/simdev"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	deviceDir   string
	deviceFiles []string

	// Set up by the persistent pre-run
	cfg    *config.Config
	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "bitfuzz",
	Short: "Differential bitstream fuzzer",
	Long: `Recover the configuration bit encoding of a device by compiling many small
designs, diffing the images against a baseline and attributing every changed
bit to the feature that caused it.

Devices are described in .dev files; the bundled simulated backend compiles
designs against the encoding declared there, so a run can be checked against a
known answer.

Examples:
  bitfuzz info --device-dir devices/                 # List loaded devices
  bitfuzz run --device-dir devices/ sim8 --seed 1    # Fuzz one device
  bitfuzz diff --device sim8.dev sim8 R0C0.SLICE.MODE=RAM
  bitfuzz runs --store runs.db                       # List stored runs`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	rootCmd.PersistentFlags().StringVarP(&deviceDir, "device-dir", "d", "",
		"directory of .dev device descriptions (searched recursively)")
	rootCmd.PersistentFlags().StringSliceVar(&deviceFiles, "device", nil,
		"device description file (repeatable)")
}

// setup loads the configuration and the logger. Flags win over the file and
// the environment.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if deviceDir != "" {
		c.Devices.Dir = deviceDir
	}
	c.Devices.Files = append(c.Devices.Files, deviceFiles...)
	if verbose {
		c.Log.Level = "debug"
	}

	l, err := logging.Init("bitfuzz", logging.Options{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Out:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	cfg, logger = c, l
	return nil
}

// loadCatalog reads every configured device description.
func loadCatalog() (*simdev.Catalog, error) {
	cat := simdev.NewCatalog()
	if cfg.Devices.Dir != "" {
		if err := cat.LoadDir(cfg.Devices.Dir); err != nil {
			return nil, fmt.Errorf("failed to load devices: %w", err)
		}
	}
	if err := cat.LoadFiles(cfg.Devices.Files...); err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	if len(cat.Names()) == 0 {
		return nil, errors.New("no device descriptions loaded (use --device-dir or --device)")
	}
	logger.Debug().Strs("devices", cat.Names()).Msg("device descriptions loaded")
	return cat, nil
}

// lookupDevices resolves device names; no names means every loaded device.
func lookupDevices(cat *simdev.Catalog, names []string) ([]*simdev.Device, error) {
	if len(names) == 0 {
		names = cat.Names()
	}
	devs := make([]*simdev.Device, 0, len(names))
	for _, name := range names {
		dev, err := cat.Lookup(name)
		if err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}
	return devs, nil
}
