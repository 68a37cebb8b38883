package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trm-dispatch-stats/internal/alerting"
)

var (
	simulateKind string
	simulateDate string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条测试告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := alerting.Kind(simulateKind)
		if kind != alerting.KindRateDegraded && kind != alerting.KindRecomputeFailed {
			return fmt.Errorf("--kind 必须是 %s 或 %s", alerting.KindRateDegraded, alerting.KindRecomputeFailed)
		}

		day := today()
		if simulateDate != "" {
			parsed, err := parseDay("date", simulateDate)
			if err != nil {
				return err
			}
			day = parsed
		}
		return getApp().SimulateAlert(cmd.Context(), kind, day)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(alerting.KindRateDegraded), "告警类型 rate_degraded|recompute_failed")
	simulateCmd.Flags().StringVar(&simulateDate, "date", "", "告警日期 YYYY-MM-DD")
}
