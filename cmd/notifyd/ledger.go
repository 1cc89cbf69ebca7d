package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/chat-notify/internal/ledger"
)

func newLedgerCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query recorded delivery outcomes",
	}

	show := &cobra.Command{
		Use:   "show <message-id>",
		Short: "List the outcomes recorded for a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, opts, func(s *ledger.Store) error {
				entries, err := s.ListByMessage(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no outcomes recorded for %s\n", args[0])
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tRECEIVER\tOUTCOME\tATTEMPTS\tREASON")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
						e.CreatedAt.Format(time.RFC3339), e.ReceiverID, e.Outcome, e.Attempts, e.Reason)
				}
				return w.Flush()
			})
		},
	}

	var since time.Duration
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Count outcomes recorded in a recent window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd, opts, func(s *ledger.Store) error {
				counts, err := s.CountRecent(cmd.Context(), since)
				if err != nil {
					return err
				}
				outcomes := make([]string, 0, len(counts))
				for o := range counts {
					outcomes = append(outcomes, o)
				}
				sort.Strings(outcomes)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "OUTCOME\tCOUNT")
				for _, o := range outcomes {
					fmt.Fprintf(w, "%s\t%d\n", o, counts[o])
				}
				return w.Flush()
			})
		},
	}
	stats.Flags().DurationVar(&since, "since", 24*time.Hour, "Window to count")

	cmd.AddCommand(show, stats)
	return cmd
}

func withLedger(cmd *cobra.Command, opts *rootOptions, fn func(s *ledger.Store) error) error {
	cfg, _, err := opts.load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	db, err := ledger.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ledger.NewStore(db))
}
