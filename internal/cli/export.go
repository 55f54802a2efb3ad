package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fxwatch/internal/app"
)

var exportOpts struct {
	pair      string
	from      string
	to        string
	png       string
	csv       string
	maxPoints int
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export conversion history as CSV and/or a PNG rate chart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportOpts.png,
			CSVPath:   exportOpts.csv,
			MaxPoints: exportOpts.maxPoints,
		}

		if exportOpts.pair != "" {
			pair, _, err := parsePair([]string{exportOpts.pair})
			if err != nil {
				return err
			}
			opts.Pair = &pair
		}

		var err error
		if opts.From, err = parseTimeFlag("from", exportOpts.from); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", exportOpts.to); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

// parseTimeFlag returns nil for an empty value.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &parsed, nil
}

func init() {
	flags := exportCmd.Flags()
	flags.StringVar(&exportOpts.pair, "pair", "", "Only export this pair, e.g. USD/INR")
	flags.StringVar(&exportOpts.from, "from", "", "Start timestamp (RFC3339, inclusive)")
	flags.StringVar(&exportOpts.to, "to", "", "End timestamp (RFC3339, exclusive)")
	flags.StringVar(&exportOpts.png, "png", "", "Path to write the PNG chart")
	flags.StringVar(&exportOpts.csv, "csv", "", "Path to write CSV rows")
	flags.IntVar(&exportOpts.maxPoints, "max-points", 0, "Maximum conversions to export (defaults to export.max_data_points)")
}
