package cli

import (
	"github.com/spf13/cobra"

	"fxwatch/internal/app"
)

var (
	migrateDataDir string
	migrateDryRun  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy file-backed alerts, subscribers and history into Postgres",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Migrate(cmd.Context(), app.MigrateOptions{
			DataDir: migrateDataDir,
			DryRun:  migrateDryRun,
		})
		return err
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDataDir, "data-dir", "", "Directory holding the JSON files (defaults to storage.data_dir)")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Count records without writing to Postgres")
}
