package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/pipeline"
	"github.com/shineum/tempmail-relay/internal/source"
)

func newIngestCmd(a *app) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Run the pipeline once over an .eml file or standard input",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			raw, err := io.ReadAll(io.LimitReader(in, a.cfg.SMTP.MaxMessageSize+1))
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}
			if int64(len(raw)) > a.cfg.SMTP.MaxMessageSize {
				return fmt.Errorf("message exceeds %d bytes", a.cfg.SMTP.MaxMessageSize)
			}

			msg, err := source.NewInbound(raw, to, time.Now().UTC())
			if err != nil {
				return err
			}
			if from != "" {
				msg.From = from
			}

			res, err := a.ingest(cmd.Context(), msg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "envelope sender (default: Return-Path or From header)")
	cmd.Flags().StringVar(&to, "to", "", "envelope recipient (default: Delivered-To, X-Original-To or To header)")
	return cmd
}

func (a *app) ingest(ctx context.Context, msg *email.InboundMessage, out io.Writer) (pipeline.Result, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer st.Close()

	var notifier pipeline.Notifier
	if rdb := a.newRedis(ctx); rdb != nil {
		defer rdb.Close()
		notifier = a.redisNotifier(rdb)
	}

	pipe, err := a.newPipeline(ctx, st, notifier, nil, out)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipe.Handle(ctx, msg), nil
}

func printResult(w io.Writer, res pipeline.Result) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "message_id:    %s\n", res.MessageID)
	fmt.Fprintf(&buf, "mailbox_found: %t\n", res.MailboxFound)
	fmt.Fprintf(&buf, "stored:        %t\n", res.Stored)
	fmt.Fprintf(&buf, "notified:      %t\n", res.Notified)
	fmt.Fprintf(&buf, "forwarded:     %t\n", res.Forwarded)
	if res.Target != "" {
		fmt.Fprintf(&buf, "target:        %s\n", res.Target)
	}
	if res.Code != "" {
		fmt.Fprintf(&buf, "code:          %s\n", res.Code)
	}
	for _, err := range res.Errors {
		fmt.Fprintf(&buf, "error:         %v\n", err)
	}
	_, _ = w.Write(buf.Bytes())
}
