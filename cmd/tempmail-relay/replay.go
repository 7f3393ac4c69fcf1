package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/tempmail-relay/internal/pipeline"
	"github.com/shineum/tempmail-relay/internal/source"
)

func newReplayCmd(a *app) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "replay <mbox>",
		Short: "Run the pipeline for every message of an mbox archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open mbox: %w", err)
			}
			defer f.Close()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var notifier pipeline.Notifier
			if rdb := a.newRedis(ctx); rdb != nil {
				defer rdb.Close()
				notifier = a.redisNotifier(rdb)
			}

			pipe, err := a.newPipeline(ctx, st, notifier, nil, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			stats, err := source.Replay(ctx, f, pipe, source.ReplayOptions{
				Recipient: to,
				Logger:    a.logger,
			})
			fmt.Fprintf(cmd.OutOrStdout(), "handled=%d skipped=%d forwarded=%d codes=%d\n",
				stats.Handled, stats.Skipped, stats.Forwarded, stats.Codes)
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "envelope recipient for every message (default: taken from headers)")
	return cmd
}
