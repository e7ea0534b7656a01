package main

import (
	"context"
	"fmt"
	"strings"

	"crm-callsync/internal/bootstrap"
	"crm-callsync/internal/notes"

	"github.com/spf13/cobra"
)

// NewNoteCmd creates the note command group for the note left pending
// by the last call.
func NewNoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "note",
		Short: "Show, save or dismiss the pending call note",
	}
	cmd.AddCommand(newNoteShowCmd(), newNoteSaveCmd(), newNoteDismissCmd())
	return cmd
}

func newNoteShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the pending call note and its matched lead",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Bridge.Resolve(ctx)
				if res == nil {
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "no pending call note")
					return nil
				}
				if err != nil {
					app.Log.Warn("lead lookup failed", "error", err)
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd, res)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "call with %s ended %s\n", res.Pending.PhoneNumber, res.Pending.EndedAt().Format("2006-01-02 15:04"))
				if res.Lead == nil {
					fmt.Fprintln(out, "no matching lead")
					return nil
				}
				fmt.Fprintf(out, "lead #%d %s (%s)\n", res.Lead.ID, res.Lead.Name, res.Lead.Status)
				return nil
			})
		},
	}
}

func newNoteSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <text...>",
		Short: "Attach the note to the matched lead and clear it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, _ := cmd.Flags().GetInt64("lead")
			body := strings.Join(args, " ")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if leadID <= 0 {
					res, err := app.Bridge.Resolve(ctx)
					if err != nil {
						return err
					}
					if res == nil {
						return notes.ErrNoPending
					}
					if res.Lead == nil {
						return fmt.Errorf("no lead matches %s; pass --lead", res.Pending.PhoneNumber)
					}
					leadID = res.Lead.ID
				}
				queued, err := app.Bridge.SaveNote(ctx, leadID, body)
				if err != nil {
					return err
				}
				printDelivery(cmd, "note", queued)
				return nil
			})
		},
	}
	cmd.Flags().Int64("lead", 0, "lead id (defaults to the lead matched by phone number)")
	return cmd
}

func newNoteDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss",
		Short: "Drop the pending call note",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				return app.Bridge.Dismiss(ctx)
			})
		},
	}
}
