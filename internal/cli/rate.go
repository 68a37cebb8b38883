package cli

import (
	"github.com/spf13/cobra"

	"trm-dispatch-stats/internal/app"
)

var (
	rateDate       string
	ratePersist    bool
	cacheDate      string
	cacheEmergency bool
)

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Reference rate operations",
}

var rateResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve the USD/COP reference rate of a date",
	RunE: func(cmd *cobra.Command, args []string) error {
		day := today()
		if rateDate != "" {
			parsed, err := parseDay("date", rateDate)
			if err != nil {
				return err
			}
			day = parsed
		}
		return getApp().ResolveRate(cmd.Context(), app.RateOptions{Date: day, Persist: ratePersist})
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Reference rate cache operations",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop cached reference rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.CacheClearOptions{Emergency: cacheEmergency}
		if cacheDate != "" {
			day, err := parseDay("date", cacheDate)
			if err != nil {
				return err
			}
			opts.Date = &day
		}
		return getApp().ClearCache(cmd.Context(), opts)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply SQL migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	rateResolveCmd.Flags().StringVar(&rateDate, "date", "", "Calendar date YYYY-MM-DD (defaults to today)")
	rateResolveCmd.Flags().BoolVar(&ratePersist, "persist", false, "Store the resolved rate as historical")
	rateCmd.AddCommand(rateResolveCmd)

	cacheClearCmd.Flags().StringVar(&cacheDate, "date", "", "Only drop the entry of this date YYYY-MM-DD")
	cacheClearCmd.Flags().BoolVar(&cacheEmergency, "emergency", false, "Also drop the last-known-good rate")
	cacheCmd.AddCommand(cacheClearCmd)
}
