package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/tincan/internal/db"
	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/rudransh-shrivastava/tincan/internal/store"
	"github.com/spf13/cobra"
)

var (
	eventsLimit int
	eventsPrune time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events journal-path [link-id]",
	Short: "lists journaled link events",
	Long:  `lists the lifecycle events recorded in a journal written by tincan run, optionally for a single link`,
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.NewLogger()
		gdb, err := db.Open(args[0])
		if err != nil {
			log.Fatal(err)
			return
		}
		events := store.NewEventStore(gdb)
		ctx := context.Background()

		if eventsPrune > 0 {
			n, err := events.Prune(ctx, time.Now().Add(-eventsPrune))
			if err != nil {
				log.Fatal(err)
				return
			}
			log.Infof("Pruned %d events", n)
		}

		var linkID string
		if len(args) > 1 {
			linkID = args[1]
		}
		list, err := events.Events(ctx, linkID, eventsLimit)
		if err != nil {
			log.Fatal(err)
			return
		}
		for _, ev := range list {
			ts := time.Unix(0, ev.CreatedAt).Format(time.RFC3339)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\t%s\n", ts, ev.TunnelID, ev.LinkID, ev.PeerID, ev.Kind, ev.Detail)
		}
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum number of events to list")
	eventsCmd.Flags().DurationVar(&eventsPrune, "prune", 0, "delete events older than this before listing")
}
