package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"filerelay/discovery"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List receivers advertised on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		peers, err := discovery.Browse(cmd.Context(), discovery.Config{
			DeviceID:      appConfig.DeviceID,
			BrowseTimeout: timeout,
		})
		if err != nil {
			return fmt.Errorf("discovering peers: %w", err)
		}
		return printPeers(cmd, peers)
	},
}

func printPeers(cmd *cobra.Command, peers []discovery.Peer) error {
	out := cmd.OutOrStdout()
	if len(peers) == 0 {
		fmt.Fprintln(out, "No receivers found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tROUTE\tDEVICE ID")
	for _, p := range peers {
		route := p.Route
		if route == "" {
			route = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", strings.TrimSpace(p.DeviceName), p.Address(), route, p.DeviceID)
	}
	return w.Flush()
}

func init() {
	peersCmd.Flags().Duration("timeout", discovery.DefaultBrowseTimeout, "how long to browse")

	rootCmd.AddCommand(peersCmd)
}
