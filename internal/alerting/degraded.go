package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trm-dispatch-stats/internal/fetcher"
	"trm-dispatch-stats/internal/trm"
)

// DegradedRateObserver 在汇率退化到 emergency/default 层时发送告警，
// 每个日期只告警一次。
type DegradedRateObserver struct {
	notifier Notifier
	timeout  time.Duration
	loc      *time.Location
	logger   zerolog.Logger

	mu   sync.Mutex
	sent map[string]bool
	wg   sync.WaitGroup
}

// NewDegradedRateObserver builds an observer that forwards degraded
// resolutions to notifier.
func NewDegradedRateObserver(notifier Notifier, timeout time.Duration, loc *time.Location, logger zerolog.Logger) *DegradedRateObserver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if loc == nil {
		loc = time.Local
	}
	return &DegradedRateObserver{
		notifier: notifier,
		timeout:  timeout,
		loc:      loc,
		logger:   logger.With().Str("component", "alert_degraded_rate").Logger(),
		sent:     make(map[string]bool),
	}
}

// RateResolved notifies asynchronously when q came from a fallback tier.
func (o *DegradedRateObserver) RateResolved(q trm.Quote) {
	if o.notifier == nil {
		return
	}
	if q.Source != trm.SourceEmergency && q.Source != trm.SourceDefault {
		return
	}

	key := trm.DateKey(q.Date, o.loc)
	o.mu.Lock()
	if o.sent[key] {
		o.mu.Unlock()
		return
	}
	o.sent[key] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()
		note := Notification{Kind: KindRateDegraded, Date: q.Date, Rate: q.Value, Source: q.Source}
		if err := o.notifier.Notify(ctx, note); err != nil {
			o.logger.Warn().Err(err).Str("date", key).Msg("告警发送失败")
		}
	}()
}

// SourceFailed is a no-op; individual tier failures are not alerted.
func (o *DegradedRateObserver) SourceFailed(trm.Source, fetcher.ErrorKind) {}

// Wait blocks until in-flight notifications finish.
func (o *DegradedRateObserver) Wait() {
	o.wg.Wait()
}
