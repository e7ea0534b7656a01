package main

import (
	"context"
	"fmt"

	"crm-callsync/internal/bootstrap"

	"github.com/spf13/cobra"
)

// NewSyncCallsCmd creates the sync-calls command.
func NewSyncCallsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-calls",
		Short: "Push new device call log entries to the CRM now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				stats, err := app.CallLog.Sync(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd, stats)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synced %d, duplicates %d, failures %d\n",
					stats.SyncedCount, stats.DuplicateCount, stats.FailureCount)
				return nil
			})
		},
	}
}

// NewScanFolderCmd creates the scan-folder command.
func NewScanFolderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-folder [dir]",
		Short: "Upload recordings found in the selected folder",
		Long:  "Upload recordings found in the selected folder. Passing dir selects it first without queueing a background scan.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if len(args) == 1 {
					if _, err := app.Folder.SetFolder(ctx, args[0]); err != nil {
						return err
					}
				}
				res, err := app.Folder.Scan(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d, skipped %d, unmatched %d, failed %d\n",
					res.Uploaded, res.Skipped, res.Unmatched, res.Failed)
				return nil
			})
		},
	}
}

// NewDrainActionsCmd creates the drain-actions command.
func NewDrainActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain-actions",
		Short: "Replay queued lead actions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				n, err := app.Leads.ProcessPendingActions(ctx)
				if err != nil {
					return err
				}
				left, err := app.Leads.PendingCount(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d, still pending %d\n", n, left)
				return nil
			})
		},
	}
}
