package cmd

import (
	"github.com/spf13/cobra"

	"billops/internal/app"
)

func newSendCmd(opts *rootOptions) *cobra.Command {
	var phone, message string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message through the provider failover chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOneShot(cmd.Context(), opts, func(a *app.App) error {
				res := a.Dispatcher().Send(cmd.Context(), phone, message)
				if err := printJSON(cmd, res); err != nil {
					return err
				}
				return res.Err()
			})
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "recipient phone number")
	cmd.Flags().StringVar(&message, "message", "", "message text")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}
