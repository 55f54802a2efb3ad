package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulatePair string
	simulateRate float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Evaluate stored alerts against a pinned rate without consuming them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRate <= 0 {
			return errors.New("--rate must be greater than zero")
		}
		pair, _, err := parsePair([]string{simulatePair})
		if err != nil {
			return err
		}
		_, err = getApp().Simulate(cmd.Context(), pair, decimal.NewFromFloat(simulateRate))
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "USD/INR", "Currency pair to pin")
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", 0, "Rate the pair is pinned at")
}
