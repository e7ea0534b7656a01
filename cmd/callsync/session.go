package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"crm-callsync/internal/bootstrap"

	"github.com/spf13/cobra"
)

// NewLoginCmd creates the login command.
func NewLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <agent-id>",
		Short: "Exchange an agent API key for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			device, _ := cmd.Flags().GetString("device")
			key, _ := cmd.Flags().GetString("api-key")
			if key == "" {
				key = os.Getenv("CALLSYNC_API_KEY")
			}
			if key == "" {
				return writeCommandError(cmd, errors.New("an API key is required (--api-key or CALLSYNC_API_KEY)"))
			}
			if device == "" {
				host, err := os.Hostname()
				if err != nil {
					return writeCommandError(cmd, fmt.Errorf("resolve device id: %w", err))
				}
				device = host
			}

			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Session.Login(ctx, args[0], device, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s on %s\n", args[0], device)
				return nil
			})
		},
	}
	cmd.Flags().String("device", "", "device id (defaults to the hostname)")
	cmd.Flags().String("api-key", "", "agent API key")
	return cmd
}

// NewLogoutCmd creates the logout command.
func NewLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Session.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}
