package main

import (
	"context"
	"fmt"
	"time"

	"crm-callsync/internal/bootstrap"

	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, recording, sync and queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				snap, err := app.Reporting.Snapshot(ctx)
				if err != nil {
					return err
				}
				if jsonOutput(cmd) {
					return writeJSON(cmd, snap)
				}

				out := cmd.OutOrStdout()
				if snap.Session.LoggedIn {
					fmt.Fprintf(out, "session:   %s on %s\n", snap.Session.AgentID, snap.Session.DeviceID)
				} else {
					fmt.Fprintln(out, "session:   logged out")
				}
				fmt.Fprintf(out, "recording: %s (consent %t)\n", snap.Recording.LastStatus, snap.Recording.ConsentGranted)
				if snap.Recording.LastError != "" {
					fmt.Fprintf(out, "           last error: %s\n", snap.Recording.LastError)
				}
				lastRun := "never"
				if t := snap.CallLog.LastRun(); !t.IsZero() {
					lastRun = t.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "call log:  synced %d, duplicates %d, failures %d, last run %s\n",
					snap.CallLog.SyncedCount, snap.CallLog.DuplicateCount, snap.CallLog.FailureCount, lastRun)
				fmt.Fprintf(out, "actions:   %d pending\n", snap.PendingActions)
				fmt.Fprintf(out, "uploads:   %d in progress\n", snap.UploadBacklog())
				if snap.PendingNote != nil {
					fmt.Fprintf(out, "note:      pending for %s\n", snap.PendingNote.PhoneNumber)
				}
				if snap.Folder != "" {
					fmt.Fprintf(out, "folder:    %s\n", snap.Folder)
				}
				return nil
			})
		},
	}
}
