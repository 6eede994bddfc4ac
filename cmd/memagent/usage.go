package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUsageCommand() *cobra.Command {
	var userID, sessionID string
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := openTracker(settings)
			if err != nil {
				return err
			}
			defer func() { _ = t.ledger.Close() }()

			totals, err := t.tracker.Totals(cmd.Context(), userID, sessionID)
			if err != nil {
				return err
			}
			limits := t.tracker.Limits()
			out := cmd.OutOrStdout()
			if sessionID != "" {
				_, _ = fmt.Fprintf(out, "session %s: %d / %d tokens\n", sessionID, totals.Session, limits.MaxPerSession)
			}
			_, _ = fmt.Fprintf(out, "user %s today: %d / %d tokens\n", userID, totals.Daily, limits.MaxPerUserDaily)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "local", "user id")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id")
	return cmd
}
