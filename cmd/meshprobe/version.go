package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var detailed bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the meshprobe version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if detailed {
				fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\nBuilt: %s\n", version, commit, date)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "meshprobe %s\n", version)
		},
	}
	cmd.Flags().BoolVarP(&detailed, "detailed", "d", false, "show commit and build date")
	return cmd
}
