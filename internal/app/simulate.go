package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trm-dispatch-stats/internal/alerting"
	"trm-dispatch-stats/internal/trm"
)

// SimulateAlert 发送一条测试告警，用于验证告警通道配置。
func (a *App) SimulateAlert(ctx context.Context, kind alerting.Kind, date time.Time) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		Kind:          kind,
		Date:          trm.StartOfDay(date, a.location()),
		AdditionalMsg: "(simulated)",
	}
	switch kind {
	case alerting.KindRateDegraded:
		note.Rate = a.Config.Rates.Bounds().Default
		note.Source = trm.SourceDefault
	case alerting.KindRecomputeFailed:
		note.Err = "simulated recompute failure"
	default:
		return fmt.Errorf("未知告警类型: %s", kind)
	}

	if timeout := a.Config.Alerting.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return notifier.Notify(ctx, note)
}
