package cli

import (
	"github.com/spf13/cobra"
)

var digestDryRun bool

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <phone>",
	Short: "Subscribe a phone number to the daily summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Subscribe(cmd.Context(), args[0])
		return err
	},
}

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Compose the daily summary and send it to every subscriber",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Digest(cmd.Context(), digestDryRun)
		return err
	},
}

var testSMSCmd = &cobra.Command{
	Use:   "test-sms <phone>",
	Short: "Send a test message through the configured dispatcher",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().TestSMS(cmd.Context(), args[0])
		return err
	},
}

func init() {
	digestCmd.Flags().BoolVar(&digestDryRun, "dry-run", false, "Print the summary without sending it")
}
