package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/store"
)

var (
	storePath    string
	exportFormat string
	exportOutput string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs saved in the run store",
	Long: `List the runs saved in a SQLite run store, newest first.

Examples:
  bitfuzz runs --store runs.db`,
	Args: cobra.NoArgs,
	RunE: runRuns,
}

var exportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export the attribute table of a stored run",
	Long: `Write the attribute table saved with a run as JSON or YAML.

Examples:
  bitfuzz export --store runs.db 6f1c2d0e-... --format yaml
  bitfuzz export --store runs.db 6f1c2d0e-... -o sim8.json`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(exportCmd)

	for _, c := range []*cobra.Command{runsCmd, exportCmd} {
		c.Flags().StringVar(&storePath, "store", "", "SQLite run store")
	}
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "table format (json, yaml)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	path := cfg.Store.Path
	if cmd.Flags().Changed("store") {
		path = storePath
	}
	if path == "" {
		return nil, errors.New("no run store configured (use --store)")
	}
	return store.Open(path)
}

func runRuns(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(cmd.Context())
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs stored")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %-12s %s  %4d batch(es) %6d experiment(s) %4d conflict(s)\n",
			r.ID, r.Device, r.Started.Local().Format(time.DateTime),
			r.Batches, r.Experiments, r.Conflicts)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", args[0], err)
	}
	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	table, err := st.LoadTable(cmd.Context(), id)
	if err != nil {
		return err
	}
	data, err := encodeTable(exportFormat, table)
	if err != nil {
		return err
	}

	if exportOutput == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
		return fmt.Errorf("failed to write table: %w", err)
	}
	logger.Info().Str("run", id.String()).Str("path", exportOutput).Msg("table exported")
	return nil
}
