package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFuzz/pkg/simdev"
)

var (
	infoJSON bool
)

// DeviceInfo is the structured summary of one loaded device
type DeviceInfo struct {
	Name      string         `json:"name"`
	Source    string         `json:"source"`
	Banks     []BankInfo     `json:"banks"`
	Registers map[string]int `json:"registers,omitempty"`
	Tiles     map[string]int `json:"tiles"`
	Fuzzers   []string       `json:"fuzzers"`
}

// BankInfo describes one frame bank
type BankInfo struct {
	Index     int            `json:"index"`
	Frames    int            `json:"frames"`
	Absent    int            `json:"absent,omitempty"`
	FrameBits int            `json:"frame_bits"`
	Registers map[string]int `json:"registers,omitempty"`
}

var infoCmd = &cobra.Command{
	Use:   "info [device...]",
	Short: "Show loaded device descriptions",
	Long: `Summarize the geometry, tiles and fuzzers of each loaded device (all devices
when none are named).

Examples:
  bitfuzz info -d devices/
  bitfuzz info -d devices/ sim8 --json`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "output as JSON")
}

func describe(cat *simdev.Catalog, dev *simdev.Device) DeviceInfo {
	shape := dev.Shape()
	info := DeviceInfo{
		Name:      dev.DeviceName(),
		Source:    cat.Source(dev.DeviceName()),
		Registers: shape.Registers,
		Tiles:     make(map[string]int),
	}
	for i, b := range shape.Banks {
		bi := BankInfo{Index: i, Frames: len(b.Present), FrameBits: b.FrameBits, Registers: b.Registers}
		for _, p := range b.Present {
			if !p {
				bi.Absent++
			}
		}
		info.Banks = append(info.Banks, bi)
	}
	for _, kind := range dev.Kinds() {
		info.Tiles[kind] = len(dev.Instances(kind))
	}
	for _, fz := range dev.Family().Fuzzers(dev) {
		info.Fuzzers = append(info.Fuzzers, fz.Name())
	}
	return info
}

func runInfo(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cat, err := loadCatalog()
	if err != nil {
		return err
	}
	devs, err := lookupDevices(cat, args)
	if err != nil {
		return err
	}

	infos := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		infos = append(infos, describe(cat, dev))
	}

	if infoJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	for _, info := range infos {
		printInfo(out, info)
	}
	return nil
}

func printInfo(out io.Writer, info DeviceInfo) {
	fmt.Fprintf(out, "Device: %s\n", info.Name)
	fmt.Fprintf(out, "  Source: %s\n", info.Source)
	for _, b := range info.Banks {
		fmt.Fprintf(out, "  Bank %d: %d frame(s) x %d bit(s)", b.Index, b.Frames, b.FrameBits)
		if b.Absent > 0 {
			fmt.Fprintf(out, ", %d absent", b.Absent)
		}
		fmt.Fprintln(out)
	}
	for _, name := range slices.Sorted(maps.Keys(info.Registers)) {
		fmt.Fprintf(out, "  Register %s: %d bit(s)\n", name, info.Registers[name])
	}
	for _, kind := range slices.Sorted(maps.Keys(info.Tiles)) {
		fmt.Fprintf(out, "  Tiles %s: %d\n", kind, info.Tiles[kind])
	}
	fmt.Fprintf(out, "  Fuzzers (%d):\n", len(info.Fuzzers))
	for _, name := range info.Fuzzers {
		fmt.Fprintf(out, "    %s\n", name)
	}
	fmt.Fprintln(out)
}
