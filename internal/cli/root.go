package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"fxwatch/internal/app"
	"fxwatch/internal/config"
	"fxwatch/internal/currency"
	"fxwatch/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "fxwatch",
	Short:         "Currency rates, conversions and SMS rate alerts",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd == versionCmd {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging, cmd.ErrOrStderr())
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(alertCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(testSMSCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// parsePair accepts either one "USD/INR" style argument or two codes.
func parsePair(args []string) (currency.Pair, []string, error) {
	if len(args) == 0 {
		return currency.Pair{}, nil, fmt.Errorf("a currency pair is required")
	}
	if len(args) >= 2 && len(args[0]) == 3 && len(args[1]) == 3 && !isNumber(args[1]) {
		pair := currency.NewPair(strings.ToUpper(args[0]), strings.ToUpper(args[1]))
		return pair, args[2:], nil
	}
	pair, err := currency.ParsePair(strings.ToUpper(args[0]))
	if err != nil {
		return currency.Pair{}, nil, err
	}
	return pair, args[1:], nil
}

func isNumber(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return s != ""
}
