package main

import (
	"context"
	"fmt"

	"github.com/deemkeen/trunk/util"
	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Manage relay subscriptions",
	}

	add := &cobra.Command{
		Use:   "add <inbox-url>",
		Short: "Subscribe to a relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				r, err := a.relays.Add(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), util.PrettyPrint(r))
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "remove <inbox-url>",
		Short: "Unsubscribe from a relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.relays.Remove(ctx, args[0])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List relays and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				relays, err := a.relays.List(ctx)
				if err != nil {
					return err
				}
				for _, r := range relays {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.Id, r.Status, r.Inbox)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}
