package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func noteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Moderate notes",
	}

	var (
		quiet   bool
		private bool
		after   time.Duration
	)
	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note and the renotes and replies that depend on it",
		Long: "Delete a note and the renotes and replies that depend on it.\n" +
			"With --private the note is made visible to mentioned users only instead.\n" +
			"With --after the change is queued and performed by a running server.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.db.ReadNoteById(ctx, id)
				if err != nil {
					return err
				}
				if after > 0 {
					jobId, err := a.scheduler.Schedule(ctx, n.Id, after, private)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "scheduled job %s at %s\n", jobId, time.Now().Add(after).Format(time.RFC3339))
					return nil
				}
				if private {
					return a.notes.MakePrivate(ctx, n, quiet)
				}
				return a.notes.Delete(ctx, n, quiet)
			})
		},
	}
	remove.Flags().BoolVarP(&quiet, "quiet", "q", false, "skip stream events and federation")
	remove.Flags().BoolVar(&private, "private", false, "make the note private instead of deleting it")
	remove.Flags().DurationVar(&after, "after", 0, "queue the change to run after this delay")

	cmd.AddCommand(remove)
	return cmd
}
