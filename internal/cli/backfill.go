package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trm-dispatch-stats/internal/app"
)

var (
	backfillFrom   string
	backfillTo     string
	backfillDryRun bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Recompute statistics snapshots for a range of days",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := parseDay("from", backfillFrom)
		if err != nil {
			return err
		}
		to, err := parseDay("to", backfillTo)
		if err != nil {
			return err
		}
		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.BackfillOptions{
			From:   from,
			To:     to,
			DryRun: backfillDryRun,
		}
		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "First date YYYY-MM-DD (inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "Last date YYYY-MM-DD (inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Compute without writing to storage")
}
