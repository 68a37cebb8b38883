package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trm-dispatch-stats/internal/app"
)

var (
	showLimit int
	showRuns  bool
	showDate  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent statistics snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Runs:  showRuns,
		}
		if showDate != "" {
			day, err := parseDay("date", showDate)
			if err != nil {
				return err
			}
			opts.Date = &day
		}
		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "Show recompute runs instead of snapshots")
	showCmd.Flags().StringVar(&showDate, "date", "", "Only show the snapshot of this date YYYY-MM-DD")
}
