package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/chat-notify/internal/token"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and manage receiver push tokens",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <user-id> <token>",
			Short: "Register the current push token of a user",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDirectory(cmd, opts, func(d *token.Directory) error {
					if err := d.Register(cmd.Context(), args[0], args[1]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "registered token for %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "get <user-id>",
			Short: "Show the current push token of a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDirectory(cmd, opts, func(d *token.Directory) error {
					tok, err := d.Lookup(cmd.Context(), args[0])
					if errors.Is(err, token.ErrNotFound) {
						fmt.Fprintf(cmd.OutOrStdout(), "%s has no push token\n", args[0])
						return nil
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", tok.UserID, tok.Token, tok.UpdatedAt.Format(time.RFC3339))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rm <user-id>",
			Short: "Remove the push token of a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDirectory(cmd, opts, func(d *token.Directory) error {
					if err := d.Delete(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed token for %s\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func withDirectory(cmd *cobra.Command, opts *rootOptions, fn func(d *token.Directory) error) error {
	cfg, _, err := opts.load()
	if err != nil {
		return err
	}
	rdb, err := connectRedis(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	return fn(token.NewDirectory(rdb))
}
