package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shineum/tempmail-relay/internal/store"
)

func newMigrateCmd(a *app) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if target != "" {
				if err := st.SetSetting(ctx, store.SettingTargetEmail, target); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "global target set to %s\n", target)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.cfg.Database.Driver)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target-email", "", "store the global forwarding target")
	return cmd
}
