package main

import (
	"github.com/spf13/cobra"

	"meshprobe/internal/agent"
	"meshprobe/internal/logger"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the discovery, liveness and API daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent.Run(cmd.Context(), cfg, agent.Options{
				Version: version,
				Log:     logger.New("agent"),
			})
		},
	}
}
