package cli

import (
	"github.com/spf13/cobra"

	"trm-dispatch-stats/internal/app"
)

var recomputeDate string

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute the statistics snapshot of one day",
	RunE: func(cmd *cobra.Command, args []string) error {
		day := today()
		if recomputeDate != "" {
			parsed, err := parseDay("date", recomputeDate)
			if err != nil {
				return err
			}
			day = parsed
		}
		return getApp().Recompute(cmd.Context(), app.RecomputeOptions{Date: day})
	},
}

func init() {
	recomputeCmd.Flags().StringVar(&recomputeDate, "date", "", "Calendar date YYYY-MM-DD (defaults to today)")
}
