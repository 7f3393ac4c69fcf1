package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/tempmail-relay/internal/extractor"
)

func newExtractCmd(_ *app) *cobra.Command {
	var (
		subject  string
		body     string
		bodyFile string
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Print the verification code extracted from a subject and body",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				body = string(data)
			}

			out := cmd.OutOrStdout()
			ex := extractor.Default()

			if all {
				for _, c := range ex.Candidates(subject + "\n" + body) {
					fmt.Fprintf(out, "%-8s priority=%d rule=%s\n", c.Value, c.Priority, c.Rule)
				}
			}

			code := ex.FromText(subject, body)
			if code == nil {
				fmt.Fprintln(out, "no code found")
				return nil
			}
			fmt.Fprintf(out, "code: %s\nkind: %s\nrule: %s\nsource: %s\n", code.Value, code.Kind(), code.Rule, code.Source)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "message subject")
	cmd.Flags().StringVar(&body, "body", "", "message body text")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the body from a file")
	cmd.Flags().BoolVar(&all, "all", false, "also list every candidate found in the text")
	return cmd
}
