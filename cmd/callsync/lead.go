package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crm-callsync/internal/bootstrap"

	"github.com/spf13/cobra"
)

// NewLeadCmd creates the lead command group. Each mutation is sent now
// when online and queued for replay otherwise.
func NewLeadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Update a lead, queueing the change when offline",
	}
	cmd.AddCommand(newLeadNoteCmd(), newLeadStatusCmd(), newLeadFollowupCmd())
	return cmd
}

func newLeadNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <lead-id> <text...>",
		Short: "Add a note to a lead",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := parseLeadID(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			body := strings.Join(args[1:], " ")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				queued, err := app.Leads.AddNote(ctx, leadID, body)
				if err != nil {
					return err
				}
				printDelivery(cmd, "note", queued)
				return nil
			})
		},
	}
}

func newLeadStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <lead-id> <status>",
		Short: "Change a lead's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := parseLeadID(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				queued, err := app.Leads.UpdateStatus(ctx, leadID, args[1])
				if err != nil {
					return err
				}
				printDelivery(cmd, "status change", queued)
				return nil
			})
		},
	}
}

func newLeadFollowupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "followup <lead-id> <due> [note...]",
		Short: "Schedule a follow-up; due is RFC3339 or a duration such as 24h",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			leadID, err := parseLeadID(args[0])
			if err != nil {
				return writeCommandError(cmd, err)
			}
			due, err := parseDue(args[1], time.Now())
			if err != nil {
				return writeCommandError(cmd, err)
			}
			note := strings.Join(args[2:], " ")
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				queued, err := app.Leads.AddFollowup(ctx, leadID, due, note)
				if err != nil {
					return err
				}
				printDelivery(cmd, "follow-up", queued)
				return nil
			})
		},
	}
}

func parseLeadID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid lead id %q", raw)
	}
	return id, nil
}

// parseDue accepts an absolute RFC3339 time or an offset from now.
func parseDue(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid due time %q", raw)
	}
	return now.Add(d), nil
}

func printDelivery(cmd *cobra.Command, what string, queued bool) {
	if queued {
		fmt.Fprintf(cmd.OutOrStdout(), "%s queued for delivery\n", what)
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s sent\n", what)
}
