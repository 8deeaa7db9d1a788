package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meshprobe/internal/config"
	"meshprobe/internal/logger"
)

var (
	cfgFile  string
	logLevel string
	cfg      config.Config
)

// skipConfig lists commands that must work without a valid config.
var skipConfig = map[string]bool{
	"version": true,
	"init":    true,
	"help":    true,
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshprobe",
		Short: "Coordinator-free mesh discovery and latency monitoring",
		Long: `meshprobe discovers peer nodes on the local network, over WireGuard
tunnels and across VPN subnets, and measures round-trip latency to each.`,
		Example: `  meshprobe run --config /etc/meshprobe/meshprobe.yaml
  meshprobe peers --watch
  meshprobe stats --csv /var/lib/meshprobe/samples.csv --window 1h`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipConfig[cmd.Name()] {
				return nil
			}
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			return logger.Init(
				logger.WithLevel(cfg.Logging.Level),
				logger.WithFormat(cfg.Logging.Format),
				logger.WithFile(cfg.Logging.FilePath),
				logger.WithVersion(version),
				logger.WithRotation(cfg.Logging.MaxSize, cfg.Logging.MaxBackups, cfg.Logging.MaxAge),
			)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config (default: ./meshprobe.yaml or /etc/meshprobe/meshprobe.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(),
		newPeersCmd(),
		newWGCmd(),
		newScanCmd(),
		newStatsCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
