package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"crm-callsync/internal/bootstrap"
	"crm-callsync/internal/config"
	"crm-callsync/pkg/logger"

	"github.com/spf13/cobra"
)

const AppName = "callsync"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "callsync - call recording and call log sync for CRM agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewRunCmd(),
		NewLoginCmd(),
		NewLogoutCmd(),
		NewConsentCmd(),
		NewSyncCallsCmd(),
		NewScanFolderCmd(),
		NewDrainActionsCmd(),
		NewLeadCmd(),
		NewNoteCmd(),
		NewStatusCmd(),
	)
	return cmd
}

// withApp loads configuration, wires the client and closes it after fn.
// ctx is cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return writeCommandError(cmd, err)
	}
	log := logger.New(cfg.App.Env, cfg.App.LogLevel)

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return writeCommandError(cmd, err)
	}
	defer app.Close()

	if err := fn(ctx, app); err != nil {
		return writeCommandError(cmd, err)
	}
	return nil
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
	return err
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
