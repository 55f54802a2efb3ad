package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	alertTarget    string
	alertRecipient string
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage target rate alerts",
}

var alertAddCmd = &cobra.Command{
	Use:   "add <FROM/TO | FROM TO>",
	Short: "Register a target alert and send the confirmation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, _, err := parsePair(args)
		if err != nil {
			return err
		}
		if alertTarget == "" || alertRecipient == "" {
			return fmt.Errorf("--target and --phone must be provided")
		}
		target, err := decimal.NewFromString(alertTarget)
		if err != nil {
			return fmt.Errorf("invalid --target value: %w", err)
		}
		_, err = getApp().AddAlert(cmd.Context(), pair, target, alertRecipient)
		return err
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every alert, triggered ones included",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().ListAlerts(cmd.Context())
		return err
	},
}

var alertCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one evaluation pass over all alerts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().CheckAlerts(cmd.Context())
		return err
	},
}

func init() {
	alertAddCmd.Flags().StringVar(&alertTarget, "target", "", "Target rate that fires the alert")
	alertAddCmd.Flags().StringVar(&alertRecipient, "phone", "", "Recipient phone number in international format")

	alertCmd.AddCommand(alertAddCmd)
	alertCmd.AddCommand(alertListCmd)
	alertCmd.AddCommand(alertCheckCmd)
}
