package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fxwatch/internal/currency"
)

var (
	rateMode    string
	convertMode string
)

var rateCmd = &cobra.Command{
	Use:   "rate <FROM/TO | FROM TO>",
	Short: "Print the current exchange rate",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, _, err := parsePair(args)
		if err != nil {
			return err
		}
		mode, err := currency.ParseMode(rateMode)
		if err != nil {
			return err
		}
		_, err = getApp().Rate(cmd.Context(), pair, mode)
		return err
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert <FROM/TO | FROM TO> <amount>",
	Short: "Convert an amount and record it in history",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, rest, err := parsePair(args)
		if err != nil {
			return err
		}
		if len(rest) != 1 {
			return fmt.Errorf("exactly one amount is required")
		}
		amount, err := decimal.NewFromString(rest[0])
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", rest[0], err)
		}
		mode, err := currency.ParseMode(convertMode)
		if err != nil {
			return err
		}
		_, err = getApp().Convert(cmd.Context(), pair, amount, mode)
		return err
	},
}

func init() {
	rateCmd.Flags().StringVar(&rateMode, "mode", "live", "Rate mode: live or simulated")
	convertCmd.Flags().StringVar(&convertMode, "mode", "live", "Rate mode: live or simulated")
}
