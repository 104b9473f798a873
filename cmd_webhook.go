package main

import (
	"context"
	"fmt"

	"github.com/deemkeen/trunk/domain"
	"github.com/deemkeen/trunk/util"
	"github.com/deemkeen/trunk/webhook"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// webhookOwner resolves --user to an account id. An empty name selects the
// system webhooks.
func webhookOwner(ctx context.Context, a *app, username string) (*uuid.UUID, error) {
	if username == "" {
		return nil, nil
	}
	acc, err := a.db.ReadAccByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", username, err)
	}
	return &acc.Id, nil
}

func webhookCmd() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage system and user webhooks",
	}
	cmd.PersistentFlags().StringVarP(&username, "user", "u", "", "owner of a user webhook; system webhooks when empty")

	var params webhook.Params
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a webhook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				owner, err := webhookOwner(ctx, a, username)
				if err != nil {
					return err
				}
				if params.Secret == "" {
					params.Secret = util.RandomString(32)
				}
				var w *domain.Webhook
				if owner == nil {
					w, err = a.systemHooks.Create(ctx, params)
				} else {
					w, err = a.userHooks.Create(ctx, *owner, params)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), util.PrettyPrint(w))
				return nil
			})
		},
	}
	create.Flags().StringVar(&params.Name, "name", "", "display name")
	create.Flags().StringVar(&params.URL, "url", "", "receiving endpoint")
	create.Flags().StringVar(&params.Secret, "secret", "", "shared secret sent with every delivery; generated when empty")
	create.Flags().StringSliceVar(&params.On, "on", nil, "subscribed event types")
	create.Flags().BoolVar(&params.IsActive, "active", true, "enable deliveries")
	_ = create.MarkFlagRequired("url")

	list := &cobra.Command{
		Use:   "list",
		Short: "List webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				owner, err := webhookOwner(ctx, a, username)
				if err != nil {
					return err
				}
				var hooks []domain.Webhook
				if owner == nil {
					hooks, err = a.systemHooks.List(ctx)
				} else {
					hooks, err = a.userHooks.List(ctx, *owner)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), util.PrettyPrint(hooks))
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				owner, err := webhookOwner(ctx, a, username)
				if err != nil {
					return err
				}
				if owner == nil {
					return a.systemHooks.Delete(ctx, id)
				}
				return a.userHooks.Delete(ctx, *owner, id)
			})
		},
	}

	var url, secret string
	test := &cobra.Command{
		Use:   "test <id> <event>",
		Short: "Send a dummy event to a webhook",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			override := &domain.WebhookPatch{}
			if url != "" {
				override.URL = &url
			}
			if secret != "" {
				override.Secret = &secret
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				owner, err := webhookOwner(ctx, a, username)
				if err != nil {
					return err
				}
				var jobId uuid.UUID
				if owner == nil {
					jobId, err = a.tester.TestSystemWebhook(ctx, id, args[1], override)
				} else {
					jobId, err = a.tester.TestUserWebhook(ctx, *owner, id, args[1], override)
				}
				if err != nil {
					return err
				}
				if jobId == uuid.Nil {
					fmt.Fprintln(cmd.OutOrStdout(), "nothing to send for", args[1])
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), "enqueued", jobId)
				return nil
			})
		},
	}
	test.Flags().StringVar(&url, "url", "", "send to this URL instead of the stored one")
	test.Flags().StringVar(&secret, "secret", "", "sign with this secret instead of the stored one")

	cmd.AddCommand(create, list, remove, test)
	return cmd
}
