package main

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"meshprobe/internal/api"
	"meshprobe/internal/events"
	"meshprobe/internal/model"
)

func newPeersCmd() *cobra.Command {
	var (
		apiURL string
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the peers known to a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				apiURL = apiBaseURL(cfg.API.Listen)
			}
			client := api.NewClient(apiURL)
			out := cmd.OutOrStdout()

			if watch {
				enc := json.NewEncoder(out)
				return client.Watch(cmd.Context(), func(ev events.Event) {
					_ = enc.Encode(ev)
				})
			}

			resp, err := client.Nodes(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "local node %s\n", resp.LocalID)
			if len(resp.Nodes) == 0 {
				fmt.Fprintln(out, "no peers")
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-20s  %-24s  %-10s  %s\n", "ID", "HOSTNAME", "ADDRESS", "VIA", "LAST_SEEN")
			for _, n := range resp.Nodes {
				fmt.Fprintf(out, "%-36s  %-20s  %-24s  %-10s  %s\n", n.ID, n.Hostname, primary(n), n.DiscoveredVia, n.LastSeen)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "", "daemon API base URL (default: derived from api.listen)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream events as JSON lines instead of listing")
	return cmd
}

// apiBaseURL turns a listen address into a URL a local client can dial.
func apiBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + strings.TrimPrefix(listen, "http://")
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func primary(n model.NodeRecord) string {
	a, ok := n.PrimaryAddr()
	if !ok {
		return "-"
	}
	return a.String()
}
