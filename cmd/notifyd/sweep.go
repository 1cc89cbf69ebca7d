package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whisper/chat-notify/internal/metrics"
	"github.com/whisper/chat-notify/internal/typing"
)

func newSweepCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "sweep [room-id]",
		Short: "Clear stale typing indicators now",
		Example: `  notifyd sweep room-42
  notifyd sweep --all`,
		Args: func(_ *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("--all takes no room id")
			}
			if !all && len(args) != 1 {
				return errors.New("expected exactly one room id, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rdb, err := connectRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer rdb.Close()

			sweeper := typing.NewSweeper(typing.NewStore(rdb), cfg.Typing.Freshness, log)
			metrics.Sweeps.WithLabelValues("cli").Inc()

			var cleared int
			if all {
				cleared, err = sweeper.SweepAll(ctx)
			} else {
				cleared, err = sweeper.Sweep(ctx, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d stale typing indicator(s)\n", cleared)
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Sweep every room with typing state")
	return cmd
}
