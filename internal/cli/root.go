package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"trm-dispatch-stats/internal/app"
	"trm-dispatch-stats/internal/config"
	"trm-dispatch-stats/internal/logging"
	"trm-dispatch-stats/internal/trm"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:   "trmstats",
	Short: "Resolve USD/COP reference rates and aggregate daily dispatch statistics",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
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
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

// parseDay reads a YYYY-MM-DD flag in the configured rate calendar.
func parseDay(flag, value string) (time.Time, error) {
	day, err := trm.ParseDate(value, getApp().Config.Rates.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s value: %w", flag, err)
	}
	return day, nil
}

// today is the current calendar date in the configured rate calendar.
func today() time.Time {
	return trm.StartOfDay(time.Now(), getApp().Config.Rates.Location())
}
