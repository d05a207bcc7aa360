package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/cobra"
)

func newDfCommand(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "Show shared-memory filesystem usage and how much of it sessions hold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.storeConfig()
			if err != nil {
				return err
			}
			usage, err := disk.UsageWithContext(cmd.Context(), cfg.ShmDir)
			if err != nil {
				return fmt.Errorf("usage of %s: %w", cfg.ShmDir, err)
			}
			segments, held, err := segmentUsage(cfg.ShmDir, cfg.Prefix)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "filesystem:\t%s (%s)\n", usage.Path, usage.Fstype)
			fmt.Fprintf(w, "size:\t%s\n", humanizeBytes(int64(usage.Total)))
			fmt.Fprintf(w, "used:\t%s (%.1f%%)\n", humanizeBytes(int64(usage.Used)), usage.UsedPercent)
			fmt.Fprintf(w, "free:\t%s\n", humanizeBytes(int64(usage.Free)))
			fmt.Fprintf(w, "segments:\t%d\n", segments)
			fmt.Fprintf(w, "segment bytes:\t%s\n", humanizeBytes(held))
			if segments > 0 {
				if per := held / int64(segments); per > 0 {
					fmt.Fprintf(w, "room for:\t%d more at %s each\n", int64(usage.Free)/per, humanizeBytes(per))
				}
			}
			return w.Flush()
		},
	}
}

// segmentUsage counts the segment files under dir that carry prefix. The
// sweep never does this; it is an operator view only.
func segmentUsage(dir, prefix string) (int, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("list %s: %w", dir, err)
	}
	var (
		count int
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		count++
		total += info.Size()
	}
	return count, total, nil
}
