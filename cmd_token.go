package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/trunk/auth"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue access tokens",
	}

	var (
		perms  []string
		expiry time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue <username>",
		Short: "Issue a token for a local account",
		Long:  "Issue a token for a local account. Without --perm the token is a session token that grants every permission.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.conf.Conf.TokenSecret == "" {
					return errors.New("tokenSecret must be set")
				}
				acc, err := a.db.ReadAccByUsername(ctx, args[0])
				if err != nil {
					return fmt.Errorf("user %q: %w", args[0], err)
				}
				cfg := auth.DefaultTokenConfig(a.conf.Conf.TokenSecret)
				if expiry > 0 {
					cfg.Expiry = expiry
				}
				tok, err := auth.CreateToken(acc.Id, perms, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	issue.Flags().StringSliceVarP(&perms, "perm", "p", nil, "permission kinds of a scoped token, e.g. read:account")
	issue.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime; the default config applies when zero")

	cmd.AddCommand(issue)
	return cmd
}
