package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"fxwatch/internal/app"
)

var (
	historyLimit     int
	historyAnalytics bool
)

var showCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"show"},
	Short:   "Display recent conversions and analytics",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyLimit < 1 {
			return errors.New("--limit must be at least 1")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit:     historyLimit,
			Analytics: historyAnalytics,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of conversions to display, newest first")
	showCmd.Flags().BoolVar(&historyAnalytics, "analytics", true, "Print totals, most frequent pair and largest amount")
}
