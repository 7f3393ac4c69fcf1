package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/shineum/tempmail-relay/internal/extractor"
	"github.com/shineum/tempmail-relay/internal/store"
)

const defaultBackfillBatch = 100

// backfillStats counts the outcome of a backfill run.
type backfillStats struct {
	Scanned int
	Updated int
}

func newBackfillCmd(a *app) *cobra.Command {
	var (
		batch  int
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-run code extraction for stored messages that have no code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := a.backfill(ctx, st, extractor.Default(), batch, dryRun, cmd.OutOrStdout())
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d updated=%d dry_run=%t\n", stats.Scanned, stats.Updated, dryRun)
			return err
		},
	}
	cmd.Flags().IntVar(&batch, "batch", defaultBackfillBatch, "messages read per query")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report codes without writing them")
	return cmd
}

func (a *app) backfill(ctx context.Context, st *store.Store, ex *extractor.Extractor, batch int, dryRun bool, out io.Writer) (backfillStats, error) {
	var stats backfillStats
	if batch <= 0 {
		batch = defaultBackfillBatch
	}

	var afterID int64
	for {
		msgs, err := st.MessagesMissingCode(ctx, afterID, batch)
		if err != nil {
			return stats, err
		}
		for _, msg := range msgs {
			afterID = msg.ID
			stats.Scanned++

			body := func() string {
				if msg.BodyText != "" {
					return msg.BodyText
				}
				return msg.BodyHTML
			}
			code := ex.FromEmail(msg.Subject, body)
			if code == nil {
				continue
			}

			fmt.Fprintf(out, "message %d: %s (%s)\n", msg.ID, code.Value, code.Rule)
			if dryRun {
				continue
			}
			if err := st.UpdateVerificationCode(ctx, msg.ID, code.Value); err != nil {
				return stats, err
			}
			stats.Updated++
		}
		if len(msgs) < batch {
			a.logger.Info("backfill finished", "scanned", stats.Scanned, "updated", stats.Updated)
			return stats, nil
		}
	}
}
