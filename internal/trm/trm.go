// Package trm holds the reference-rate primitives shared by the cache,
// the resolver and the statistics pipeline.
package trm

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies the tier that produced a quote.
type Source string

const (
	SourceCache     Source = "cache"
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
	SourceEmergency Source = "emergency"
	SourceDefault   Source = "default"
)

// DateLayout is the canonical calendar-date key format.
const DateLayout = "2006-01-02"

// Quote is a resolved reference rate for one calendar date.
type Quote struct {
	Date   time.Time
	Value  decimal.Decimal
	Source Source
}

// Bounds captures the plausibility window for a reference rate.
type Bounds struct {
	Min     decimal.Decimal
	Max     decimal.Decimal
	Default decimal.Decimal
}

// DefaultBounds returns the 3800/10000 window with a 4000 fallback.
func DefaultBounds() Bounds {
	return Bounds{
		Min:     decimal.NewFromInt(3800),
		Max:     decimal.NewFromInt(10000),
		Default: decimal.NewFromInt(4000),
	}
}

// IsDefault reports whether a normalized value must be replaced by a resolved rate.
func (b Bounds) IsDefault(v decimal.Decimal) bool {
	if v.IsZero() || v.LessThan(b.Min) {
		return true
	}
	return v.GreaterThan(b.Max)
}

// Accepts reports whether a value may short-circuit the resolution cascade.
// Cascade tiers require a value strictly above Min.
func (b Bounds) Accepts(v decimal.Decimal) bool {
	return v.GreaterThan(b.Min) && v.LessThanOrEqual(b.Max)
}

// Clock provides time to components that classify dates.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now.
type SystemClock struct{}

// Now returns current time.
func (SystemClock) Now() time.Time { return time.Now() }

// StartOfDay truncates t to local midnight in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// DateKey formats the calendar date of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return StartOfDay(t, loc).Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD string as local midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DateLayout, s, loc)
}
