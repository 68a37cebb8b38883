package dispatch

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/trm"
)

// RateTier records where an event's effective rate came from.
type RateTier string

const (
	RateFromEvent      RateTier = "event"
	RateFromHistorical RateTier = "historical"
	RateFromResolver   RateTier = "resolved"
	RateFromOrder      RateTier = "order"
	RateFromDefault    RateTier = "default"
)

// EffectiveRate is the rate applied to one dispatch event.
type EffectiveRate struct {
	Value decimal.Decimal
	Tier  RateTier
}

// Custom reports whether the event's own rate was used.
func (r EffectiveRate) Custom() bool { return r.Tier == RateFromEvent }

// HistoricalRates looks up persisted per-date rates.
type HistoricalRates interface {
	RateOn(date time.Time) (decimal.Decimal, bool)
}

// QuoteResolver resolves a rate for a date through external tiers.
type QuoteResolver interface {
	Resolve(ctx context.Context, date time.Time) trm.Quote
}

// RateTable is an in-memory HistoricalRates keyed by calendar date.
type RateTable struct {
	loc   *time.Location
	rates map[string]decimal.Decimal
}

// NewRateTable wraps rates keyed by YYYY-MM-DD.
func NewRateTable(rates map[string]decimal.Decimal, loc *time.Location) *RateTable {
	if rates == nil {
		rates = make(map[string]decimal.Decimal)
	}
	if loc == nil {
		loc = time.Local
	}
	return &RateTable{loc: loc, rates: rates}
}

// RateOn returns the stored rate for the calendar date of t.
func (t *RateTable) RateOn(date time.Time) (decimal.Decimal, bool) {
	if t == nil {
		return decimal.Zero, false
	}
	v, ok := t.rates[trm.DateKey(date, t.loc)]
	return v, ok
}

// Len is the number of stored dates.
func (t *RateTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rates)
}

// RateResolver picks the effective rate of a dispatch event.
type RateResolver struct {
	bounds  trm.Bounds
	history HistoricalRates
	quotes  QuoteResolver
}

// NewRateResolver builds a RateResolver. quotes may be nil.
func NewRateResolver(bounds trm.Bounds, history HistoricalRates, quotes QuoteResolver) *RateResolver {
	if bounds.Max.IsZero() {
		bounds = trm.DefaultBounds()
	}
	return &RateResolver{bounds: bounds, history: history, quotes: quotes}
}

// Resolve applies, in order: the event's own rate when valid, the historical
// rate for date, a rate resolved from cache or external sources, the order's
// rate when above the minimum, and the static default.
func (r *RateResolver) Resolve(ctx context.Context, rateText string, date time.Time, orderRate decimal.Decimal) EffectiveRate {
	if v := trm.NormalizeString(rateText); !r.bounds.IsDefault(v) {
		return EffectiveRate{Value: v, Tier: RateFromEvent}
	}

	if r.history != nil {
		if v, ok := r.history.RateOn(date); ok && !r.bounds.IsDefault(v) {
			return EffectiveRate{Value: v, Tier: RateFromHistorical}
		}
	}

	if r.quotes != nil {
		q := r.quotes.Resolve(ctx, date)
		switch q.Source {
		case trm.SourceCache, trm.SourcePrimary, trm.SourceSecondary:
			if r.bounds.Accepts(q.Value) {
				return EffectiveRate{Value: q.Value, Tier: RateFromResolver}
			}
		}
	}

	if orderRate.GreaterThan(r.bounds.Min) {
		return EffectiveRate{Value: orderRate, Tier: RateFromOrder}
	}

	return EffectiveRate{Value: r.bounds.Default, Tier: RateFromDefault}
}
