package statistics

import (
	"time"

	"github.com/shopspring/decimal"
)

// DayRateSource records which tier produced a snapshot's day-average rate.
type DayRateSource string

const (
	DayRateFromDispatch   DayRateSource = "dispatch"
	DayRateFromHistorical DayRateSource = "historical"
	DayRateFromDefault    DayRateSource = "default"
)

// Snapshot is the aggregated statistics row for one calendar date.
type Snapshot struct {
	Date time.Time

	// order creation
	OrdersCreated    int
	CommercialOrders int
	SampleOrders     int
	MixedOrders      int
	NewWinOrders     int
	OrdersByStatus   map[string]int
	CreatedQuantity  int64
	CreatedValueUSD  decimal.Decimal
	CreatedValueCOP  decimal.Decimal

	// actual dispatch
	DispatchedOrders        int
	DispatchEvents          int
	DispatchedQuantity      int64
	DispatchedCommercialQty int64
	DispatchedSampleQty     int64
	DispatchedValueUSD      decimal.Decimal
	DispatchedValueCOP      decimal.Decimal

	// planned dispatch
	PlannedOrders        int
	PlannedLines         int
	PlannedQuantity      int64
	PlannedValueUSD      decimal.Decimal
	PlannedValueCOP      decimal.Decimal
	PlannedFromConfirmed int
	PlannedFromTentative int
	PlannedComputed      int

	// pending and fulfillment
	PendingQuantity     int64
	PendingValueUSD     decimal.Decimal
	PendingValueCOP     decimal.Decimal
	FulfillmentPct      decimal.Decimal
	ValueFulfillmentPct decimal.Decimal

	// completion
	OrdersFullyDispatched     int
	OrdersPartiallyDispatched int
	OrdersNotDispatched       int
	AvgDaysToFirstDispatch    decimal.Decimal
	UndeliveredValueUSD       decimal.Decimal

	// financial and rate usage
	EventsCustomRate     int
	EventsDefaultRate    int
	EventsHistoricalRate int
	EventsResolvedRate   int
	EventsOrderRate      int
	EventsStaticRate     int
	AverageTRM           decimal.Decimal
	MinTRM               decimal.Decimal
	MaxTRM               decimal.Decimal
	AverageTRMSource     DayRateSource

	// client activity
	ClientsCreating   int
	ClientsDispatched int
	ClientsPlanned    int
	ClientsActive     int

	ComputedAt time.Time
}

// PendingValue clamps planned minus actual at zero.
func PendingValue(planned, actual decimal.Decimal) decimal.Decimal {
	if d := planned.Sub(actual); d.IsPositive() {
		return d
	}
	return decimal.Zero
}

// PendingQuantity clamps planned minus actual at zero.
func PendingQuantity(planned, actual int64) int64 {
	if planned > actual {
		return planned - actual
	}
	return 0
}

// Percent returns part/whole*100 rounded to two places, or zero when whole is zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100)).Round(2)
}
