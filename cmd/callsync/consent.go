package main

import (
	"context"
	"fmt"

	"crm-callsync/internal/bootstrap"

	"github.com/spf13/cobra"
)

// NewConsentCmd creates the consent command.
func NewConsentCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "consent <on|off>",
		Short:     "Grant or revoke call recording consent",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			granted := args[0] == "on"
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if err := app.Recording.SetConsent(ctx, granted); err != nil {
					return err
				}
				if granted {
					fmt.Fprintln(cmd.OutOrStdout(), "recording consent granted")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "recording consent revoked")
				}
				return nil
			})
		},
	}
}
