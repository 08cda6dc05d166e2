package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"filerelay/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		direction, _ := cmd.Flags().GetString("direction")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		store, _, err := storage.Open(dataDir)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		defer store.Close()

		transfers, err := store.ListTransfers(storage.TransferFilter{
			Direction: direction,
			Status:    status,
			Limit:     limit,
		})
		if err != nil {
			return fmt.Errorf("listing transfers: %w", err)
		}
		return printHistory(cmd, transfers)
	},
}

func printHistory(cmd *cobra.Command, transfers []storage.Transfer) error {
	out := cmd.OutOrStdout()
	if len(transfers) == 0 {
		fmt.Fprintln(out, "No transfers found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tSTATUS\tNAME\tSIZE\tPEER\tUPDATED")
	for _, t := range transfers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			t.TransferID,
			t.Direction,
			t.Status,
			t.Name,
			t.Size,
			t.Peer,
			time.UnixMilli(t.UpdatedAt).Format("2006-01-02 15:04"),
		)
	}
	return w.Flush()
}

func init() {
	historyCmd.Flags().String("direction", "", "only show send or receive transfers")
	historyCmd.Flags().String("status", "", "only show transfers with this status")
	historyCmd.Flags().Int("limit", 50, "maximum number of rows")

	rootCmd.AddCommand(historyCmd)
}
