package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/sequoia/pkg/state"
	"github.com/cuemby/sequoia/pkg/types"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live ownership changes from a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := newClient(cmd)
		mirror := state.NewStore()
		err := c.Watch(ctx, mirror, func(ev types.OwnershipEvent) {
			from := "-"
			if ev.PrevOwner != nil {
				from = fmt.Sprintf("%s [%s]", ev.PrevOwner.Name, ev.PrevOwner.Prefix)
			}
			fmt.Printf("%d  %s  %s: %s -> %s [%s]\n",
				ev.Sequence, ev.AcquiredAt.Format(time.RFC3339), ev.Territory,
				from, ev.NewOwner.Name, ev.NewOwner.Prefix)
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		fmt.Printf("Stopped at seq %d with %d territories\n", mirror.Watermark(), mirror.Len())
		return nil
	},
}

func init() {
	watchCmd.Flags().String("server", "localhost:3000", "Server address")
}
