package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meshprobe/internal/execx"
	"meshprobe/internal/logger"
	"meshprobe/internal/probe"
	"meshprobe/internal/vpnscan"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Sweep VPN subnets once and print responding hosts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			detector := vpnscan.NewDetector(execx.NewOSRunner())

			ifaces, err := detector.Interfaces(ctx)
			if err != nil {
				return err
			}
			if len(ifaces) == 0 {
				fmt.Fprintln(out, "no vpn interfaces")
				return nil
			}
			for _, iface := range ifaces {
				note := ""
				if iface.CandidateCount() > uint64(cfg.Scan.MaxHosts) {
					note = "  (skipped: too large)"
				}
				fmt.Fprintf(out, "%-12s  %-18s  candidates=%d%s\n", iface.Name, iface, iface.CandidateCount(), note)
			}

			scanner := vpnscan.New(detector, probe.NewICMPPinger(), vpnscan.Options{
				MaxHosts:    cfg.Scan.MaxHosts,
				Concurrency: cfg.Scan.Concurrency,
				Timeout:     cfg.Scan.Timeout,
				Rate:        cfg.Scan.Rate,
			}, logger.New("vpnscan"))

			start := time.Now()
			found := scanner.Scan(ctx)
			fmt.Fprintf(out, "%d responders in %s\n", len(found), time.Since(start).Round(time.Millisecond))
			for _, a := range found {
				fmt.Fprintf(out, "  %s\n", a)
			}
			return nil
		},
	}
}
