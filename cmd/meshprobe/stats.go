package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"meshprobe/internal/metrics"
)

func newStatsCmd() *cobra.Command {
	var (
		path   string
		window time.Duration
		byNode bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded latency samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = cfg.Liveness.SamplesCSV
			}
			if path == "" {
				return errors.New("no samples file: pass --csv or set liveness.samples_csv")
			}
			items, err := metrics.ReadCSV(path)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			cutoff := time.Now().UTC().Add(-window)
			summary := metrics.Summarize(items, cutoff)
			if summary.Count == 0 {
				fmt.Fprintln(out, "no samples in window")
				return nil
			}
			printSummary(out, "all", summary)

			if byNode {
				per := metrics.SummarizeByNode(items, cutoff)
				ids := make([]string, 0, len(per))
				for id := range per {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					printSummary(out, id, per[id])
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "csv", "", "samples CSV (default: liveness.samples_csv)")
	cmd.Flags().DurationVar(&window, "window", 5*time.Minute, "time window")
	cmd.Flags().BoolVar(&byNode, "by-node", false, "also print one line per node")
	return cmd
}

func printSummary(w io.Writer, label string, s metrics.Summary) {
	fmt.Fprintf(w, "%s: samples=%d replies=%d loss=%.1f%% from=%s to=%s\n",
		label, s.Count, s.Replies, s.LossPct, s.From.Format(time.RFC3339), s.To.Format(time.RFC3339))
	if s.Replies > 0 {
		fmt.Fprintf(w, "  latency avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms\n",
			s.AvgLatencyMs, s.P95LatencyMs, s.MinLatencyMs, s.MaxLatencyMs)
	}
}
