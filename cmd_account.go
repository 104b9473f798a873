package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/deemkeen/trunk/domain"
	"github.com/spf13/cobra"
)

// resolveActor accepts a local username or the URI of a known remote actor.
func resolveActor(ctx context.Context, a *app, ref string) (*domain.Actor, error) {
	if strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://") {
		remote, err := a.db.ReadRemoteAccountByURI(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("actor %q: %w", ref, err)
		}
		return remote.Actor(), nil
	}
	acc, err := a.db.ReadAccByUsername(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", ref, err)
	}
	return acc.Actor(a.conf.Conf.SslDomain), nil
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage local accounts and their relations",
	}

	var system bool
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create a local account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				acc, err := a.db.CreateAccount(ctx, args[0], system)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), acc.Id)
				return nil
			})
		},
	}
	create.Flags().BoolVar(&system, "system", false, "create a system account")

	var kind string
	mute := func(undo bool) *cobra.Command {
		use, short := "mute <user> <target>", "Mute an actor for a local user"
		if undo {
			use, short = "unmute <user> <target>", "Remove a mute"
		}
		c := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					muter, err := resolveActor(ctx, a, args[0])
					if err != nil {
						return err
					}
					mutee, err := resolveActor(ctx, a, args[1])
					if err != nil {
						return err
					}
					if undo {
						return a.muting.Unmute(ctx, domain.MutingKind(kind), muter.Id, mutee.Id)
					}
					return a.muting.Mute(ctx, domain.MutingKind(kind), muter.Id, mutee.Id)
				})
			},
		}
		c.Flags().StringVarP(&kind, "kind", "k", string(domain.MuteUser), "user, renote or quote")
		return c
	}

	block := func(undo bool) *cobra.Command {
		use, short := "block <user> <target>", "Block an actor for a local user"
		if undo {
			use, short = "unblock <user> <target>", "Remove a block"
		}
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, func(ctx context.Context, a *app) error {
					blocker, err := resolveActor(ctx, a, args[0])
					if err != nil {
						return err
					}
					if !blocker.IsLocal() {
						return fmt.Errorf("%s is not a local user", args[0])
					}
					blockee, err := resolveActor(ctx, a, args[1])
					if err != nil {
						return err
					}
					if undo {
						return a.blocking.Unblock(ctx, blocker, blockee)
					}
					return a.blocking.Block(ctx, blocker, blockee)
				})
			},
		}
	}

	var hosts []string
	instances := &cobra.Command{
		Use:   "mute-instances <user>",
		Short: "Replace the muted instance list of a local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				acc, err := a.db.ReadAccByUsername(ctx, args[0])
				if err != nil {
					return err
				}
				return a.accounts.UpdateMutedInstances(ctx, acc.Id, hosts)
			})
		},
	}
	instances.Flags().StringSliceVar(&hosts, "host", nil, "muted hosts")

	cmd.AddCommand(create, mute(false), mute(true), block(false), block(true), instances)
	return cmd
}
