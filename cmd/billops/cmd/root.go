// Package cmd holds the billops cobra commands.
package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"billops/internal/app"
	"billops/internal/config"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

// NewRootCmd builds the command tree. Without a subcommand it runs the
// daemon, same as "billops serve".
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "billops",
		Short: "billops runs billing and network maintenance jobs",
		Long: `billops is the maintenance daemon of the subscriber billing platform.

It runs recurring jobs (voucher sync, agent sales, invoices, reminders,
auto isolation, notification checks, Telegram backup and health) and
exposes their history and health over HTTP, Telegram and this CLI.

Common workflows:

  Run the daemon:
    billops serve --config /etc/billops/config.yaml

  Trigger a job once:
    billops run invoice_generate

  Show job health:
    billops status

Configuration:
  Settings come from the config file (JSON or YAML). Secrets may be set
  through BILLOPS_* environment variables, optionally from a .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(opts.envFiles...)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.yaml", "path to config file (json or yaml)")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "dotenv files loaded before the config")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newSendCmd(opts),
	)
	return root
}

// withOneShot builds the app for a single command and closes it afterwards.
func withOneShot(ctx context.Context, opts *rootOptions, fn func(a *app.App) error) error {
	a, err := app.NewApp(ctx, opts.configPath, app.WithMode(app.ModeOneShot))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
