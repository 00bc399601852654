package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cuemby/sequoia/pkg/client"
	"github.com/cuemby/sequoia/pkg/history"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query a running server's event history",
}

func init() {
	historyCmd.PersistentFlags().String("server", "localhost:3000", "Server address")

	historyEventsCmd.Flags().Uint64("after", 0, "Return events with a sequence above this")
	historyEventsCmd.Flags().Int("limit", 0, "Page size (server default when 0)")
	historyEventsCmd.Flags().Bool("json", false, "Print raw JSON")

	historyAtCmd.Flags().String("time", "", "Point in time (RFC 3339)")
	historyAtCmd.Flags().Uint64("seq", 0, "Sequence number")

	historyCmd.AddCommand(historyBoundsCmd)
	historyCmd.AddCommand(historyEventsCmd)
	historyCmd.AddCommand(historyAtCmd)
}

func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.NewClient(addr)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var historyBoundsCmd = &cobra.Command{
	Use:   "bounds",
	Short: "Show the persisted range of the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := newClient(cmd).Bounds(cmd.Context())
		if err != nil {
			return err
		}
		if b.Empty {
			fmt.Println("No events recorded")
			return nil
		}
		fmt.Printf("Events:    %d\n", b.EventCount)
		fmt.Printf("Sequences: %d..%d\n", b.MinSeq, b.MaxSeq)
		fmt.Printf("Recorded:  %s .. %s\n", b.MinTime.Format(time.RFC3339), b.MaxTime.Format(time.RFC3339))
		return nil
	},
}

var historyEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List ownership events after a sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetUint64("after")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		page, err := newClient(cmd).EventsPage(cmd.Context(), after, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(page)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tRECORDED\tTERRITORY\tFROM\tTO")
		for _, ev := range page.Events {
			from := "-"
			if ev.PrevOwner != nil {
				from = ev.PrevOwner.Name
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				ev.Sequence, ev.RecordedAt.Format(time.RFC3339), ev.Territory, from, ev.NewOwner.Name)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if page.HasMore {
			fmt.Printf("\nMore events: --after %d\n", page.NextAfterSeq)
		}
		return nil
	},
}

var historyAtCmd = &cobra.Command{
	Use:   "at",
	Short: "Reconstruct ownership at a time or sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		var q history.StateQuery
		if raw, _ := cmd.Flags().GetString("time"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("invalid --time: %w", err)
			}
			q.At = &t
		}
		if cmd.Flags().Changed("seq") {
			seq, _ := cmd.Flags().GetUint64("seq")
			q.Sequence = &seq
		}

		state, err := newClient(cmd).StateAt(cmd.Context(), q)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}
