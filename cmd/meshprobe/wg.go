package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"meshprobe/internal/execx"
	"meshprobe/internal/logger"
	"meshprobe/internal/wireguard"
)

func newWGCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wg",
		Short: "Show WireGuard interfaces and the peer addresses announcements go to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := wireguard.NewInspector(execx.NewOSRunner(), logger.New("wireguard"))
			out := cmd.OutOrStdout()

			ifaces := in.Interfaces(cmd.Context())
			if len(ifaces) == 0 {
				fmt.Fprintln(out, "no wireguard interfaces")
				return nil
			}
			for _, iface := range ifaces {
				fmt.Fprintf(out, "interface %s (%d peers)\n", iface.Name, len(iface.Peers))
				for _, p := range iface.Peers {
					endpoint := "(none)"
					if p.Endpoint != nil {
						endpoint = p.Endpoint.String()
					}
					fmt.Fprintf(out, "  %-44s  %-24s  %s\n", p.PublicKey, endpoint, strings.Join(p.AllowedIPs, ","))
				}
			}

			ips := in.PeerIPs(cmd.Context())
			fmt.Fprintf(out, "announce targets: %d\n", len(ips))
			for _, ip := range ips {
				fmt.Fprintf(out, "  %s\n", ip)
			}
			return nil
		},
	}
}
