package statistics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trm-dispatch-stats/internal/dispatch"
	"trm-dispatch-stats/internal/trm"
)

var loc = time.FixedZone("COT", -5*3600)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeSource struct {
	orders []dispatch.Order
	events []dispatch.Event
	rates  map[string]decimal.Decimal
	err    error
	failAt string
}

func (f *fakeSource) fail(op string) error {
	if f.failAt == op {
		return f.err
	}
	return nil
}

func (f *fakeSource) OrdersCreatedBetween(ctx context.Context, from, to time.Time) ([]dispatch.Order, error) {
	if err := f.fail("created"); err != nil {
		return nil, err
	}
	var out []dispatch.Order
	for _, o := range f.orders {
		if !o.CreatedAt.Before(from) && o.CreatedAt.Before(to) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeSource) OrdersWithEventsBetween(ctx context.Context, from, to time.Time, types ...dispatch.EventType) ([]dispatch.Order, error) {
	if err := f.fail("with_events"); err != nil {
		return nil, err
	}
	var out []dispatch.Order
	for _, o := range f.orders {
		for _, e := range f.events {
			if e.OrderID != o.ID || e.DispatchDate == nil || e.DispatchDate.Before(from) || !e.DispatchDate.Before(to) {
				continue
			}
			if hasType(types, e.Type) {
				out = append(out, o)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) EventsForOrders(ctx context.Context, ids []int64) ([]dispatch.Event, error) {
	if err := f.fail("events"); err != nil {
		return nil, err
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []dispatch.Event
	for _, e := range f.events {
		if want[e.OrderID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeSource) HistoricalRates(ctx context.Context, from, to time.Time) (map[string]decimal.Decimal, error) {
	if err := f.fail("rates"); err != nil {
		return nil, err
	}
	return f.rates, nil
}

func hasType(types []dispatch.EventType, t dispatch.EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func at(s string, hour int) time.Time {
	d, err := trm.ParseDate(s, loc)
	if err != nil {
		panic(err)
	}
	return d.Add(time.Duration(hour) * time.Hour)
}

func ptr(t time.Time) *time.Time { return &t }

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// scenario: one order created on the day with two commercial units at $10 and
// one sample unit, one confirmed dispatch of one commercial unit at 4000.
func scenario(rateText string) *fakeSource {
	return &fakeSource{
		orders: []dispatch.Order{{
			ID:        1,
			ClientID:  7,
			Status:    "approved",
			CreatedAt: at("2024-03-05", 10),
			Lines: []dispatch.OrderLine{
				{ID: 11, OrderID: 1, ProductID: 100, Quantity: 2, ListPrice: dec(10)},
				{ID: 12, OrderID: 1, ProductID: 200, Quantity: 1, ListPrice: dec(10), IsSample: true},
			},
		}},
		events: []dispatch.Event{
			{ID: 1, OrderID: 1, ProductID: 100, ProductLineID: 11, Quantity: 1, Type: dispatch.EventConfirmed, DispatchDate: ptr(at("2024-03-05", 15)), RateText: rateText},
		},
		rates: map[string]decimal.Decimal{"2024-03-05": dec(4200)},
	}
}

func newAggregator(t *testing.T, src Source, opts ...Option) *Aggregator {
	t.Helper()
	base := []Option{
		WithLocation(loc),
		WithClock(fixedClock{now: at("2024-03-06", 1)}),
		WithLogger(zerolog.Nop()),
	}
	agg, err := NewAggregator(src, append(base, opts...)...)
	require.NoError(t, err)
	return agg
}

func TestComputeEventRateOutranksHistorical(t *testing.T) {
	agg := newAggregator(t, scenario("4000"))

	snap, err := agg.Compute(context.Background(), at("2024-03-05", 12))
	require.NoError(t, err)

	require.Equal(t, "2024-03-05", snap.Date.Format(trm.DateLayout))
	require.Equal(t, 1, snap.EventsCustomRate)
	require.Equal(t, 0, snap.EventsDefaultRate)
	require.True(t, snap.AverageTRM.Equal(dec(4000)), "average_trm=%s", snap.AverageTRM)
	require.Equal(t, DayRateFromDispatch, snap.AverageTRMSource)

	require.Equal(t, 1, snap.OrdersCreated)
	require.Equal(t, 1, snap.MixedOrders)
	require.Equal(t, 1, snap.OrdersByStatus["approved"])
	require.True(t, snap.CreatedValueUSD.Equal(dec(20)))
	require.True(t, snap.CreatedValueCOP.Equal(dec(80000)))

	require.Equal(t, 1, snap.DispatchedOrders)
	require.Equal(t, int64(1), snap.DispatchedCommercialQty)
	require.Equal(t, int64(0), snap.DispatchedSampleQty)
	require.True(t, snap.DispatchedValueUSD.Equal(dec(10)))
	require.True(t, snap.DispatchedValueCOP.Equal(dec(40000)))

	require.Equal(t, 1, snap.PlannedOrders)
	require.Equal(t, 1, snap.PlannedLines)
	require.Equal(t, 1, snap.PlannedFromConfirmed)
	require.Equal(t, int64(2), snap.PlannedQuantity)
	require.True(t, snap.PlannedValueUSD.Equal(dec(20)))

	require.Equal(t, int64(1), snap.PendingQuantity)
	require.True(t, snap.PendingValueUSD.Equal(dec(10)))
	require.True(t, snap.FulfillmentPct.Equal(dec(50)))

	require.Equal(t, 1, snap.OrdersPartiallyDispatched)
	require.True(t, snap.AvgDaysToFirstDispatch.IsZero())
	require.True(t, snap.UndeliveredValueUSD.Equal(dec(10)))

	require.Equal(t, 1, snap.ClientsCreating)
	require.Equal(t, 1, snap.ClientsDispatched)
	require.Equal(t, 1, snap.ClientsActive)
	require.Equal(t, at("2024-03-06", 1), snap.ComputedAt)
}

func TestComputeInvalidEventRateUsesHistorical(t *testing.T) {
	agg := newAggregator(t, scenario("N/A"))

	snap, err := agg.Compute(context.Background(), at("2024-03-05", 0))
	require.NoError(t, err)
	require.Equal(t, 0, snap.EventsCustomRate)
	require.Equal(t, 1, snap.EventsDefaultRate)
	require.Equal(t, 1, snap.EventsHistoricalRate)
	require.True(t, snap.AverageTRM.Equal(dec(4200)))
	require.True(t, snap.DispatchedValueCOP.Equal(dec(42000)))
}

func TestComputeDayRateWithoutDispatches(t *testing.T) {
	src := scenario("4000")
	src.events = nil

	snap, err := newAggregator(t, src).Compute(context.Background(), at("2024-03-05", 0))
	require.NoError(t, err)
	require.Equal(t, DayRateFromHistorical, snap.AverageTRMSource)
	require.True(t, snap.AverageTRM.Equal(dec(4200)))
	require.True(t, snap.CreatedValueCOP.Equal(dec(84000)))
	require.Equal(t, 1, snap.OrdersNotDispatched)
	require.True(t, snap.MinTRM.IsZero())

	src.rates = nil
	snap, err = newAggregator(t, src).Compute(context.Background(), at("2024-03-05", 0))
	require.NoError(t, err)
	require.Equal(t, DayRateFromDefault, snap.AverageTRMSource)
	require.True(t, snap.AverageTRM.Equal(dec(4000)))
}

func TestComputePlannedFromComputedDate(t *testing.T) {
	src := &fakeSource{orders: []dispatch.Order{{
		ID:        5,
		ClientID:  9,
		CreatedAt: at("2024-01-01", 9),
		Rate:      dec(3950),
		Lines: []dispatch.OrderLine{
			{ID: 51, OrderID: 5, ProductID: 1, Quantity: 4, ListPrice: dec(5)},
		},
	}}}

	snap, err := newAggregator(t, src, WithPlanning(10, 15)).Compute(context.Background(), at("2024-01-15", 0))
	require.NoError(t, err)
	require.Equal(t, 0, snap.OrdersCreated)
	require.Equal(t, 1, snap.PlannedComputed)
	require.Equal(t, int64(4), snap.PlannedQuantity)
	require.True(t, snap.PlannedValueCOP.Equal(dec(20*3950)))
	require.Equal(t, int64(4), snap.PendingQuantity)
	require.True(t, snap.FulfillmentPct.IsZero())
	require.Equal(t, 1, snap.ClientsPlanned)
	require.Equal(t, 0, snap.ClientsCreating)
}

func TestComputeLaterConfirmedEventOutranksTentative(t *testing.T) {
	src := &fakeSource{
		orders: []dispatch.Order{{
			ID:        3,
			ClientID:  8,
			CreatedAt: at("2024-03-01", 9),
			Lines: []dispatch.OrderLine{
				{ID: 31, OrderID: 3, ProductID: 100, Quantity: 2, ListPrice: dec(10)},
			},
		}},
		events: []dispatch.Event{
			{ID: 1, OrderID: 3, ProductID: 100, ProductLineID: 31, Quantity: 2, Type: dispatch.EventTentative, DispatchDate: ptr(at("2024-03-05", 0))},
			{ID: 2, OrderID: 3, ProductID: 100, ProductLineID: 31, Quantity: 2, Type: dispatch.EventConfirmed, DispatchDate: ptr(at("2024-03-07", 0)), RateText: "4000"},
		},
	}
	agg := newAggregator(t, src)

	early, err := agg.Compute(context.Background(), at("2024-03-05", 0))
	require.NoError(t, err)
	require.Equal(t, 0, early.PlannedLines)
	require.Equal(t, 0, early.PlannedFromTentative)
	require.Equal(t, int64(0), early.PlannedQuantity)

	late, err := agg.Compute(context.Background(), at("2024-03-07", 0))
	require.NoError(t, err)
	require.Equal(t, 1, late.PlannedLines)
	require.Equal(t, 1, late.PlannedFromConfirmed)
	require.Equal(t, int64(2), late.PlannedQuantity)
	require.Equal(t, int64(2), late.DispatchedQuantity)
}

func TestComputeLaterConfirmedEventOutranksComputedDate(t *testing.T) {
	src := &fakeSource{
		orders: []dispatch.Order{{
			ID:        4,
			ClientID:  8,
			CreatedAt: at("2024-01-01", 9),
			Lines: []dispatch.OrderLine{
				{ID: 41, OrderID: 4, ProductID: 100, Quantity: 1, ListPrice: dec(10)},
			},
		}},
		events: []dispatch.Event{
			{ID: 1, OrderID: 4, ProductID: 100, ProductLineID: 41, Quantity: 1, Type: dispatch.EventConfirmed, DispatchDate: ptr(at("2024-01-20", 0))},
		},
	}

	snap, err := newAggregator(t, src, WithPlanning(10, 15)).Compute(context.Background(), at("2024-01-15", 0))
	require.NoError(t, err)
	require.Equal(t, 0, snap.PlannedComputed)
	require.Equal(t, 0, snap.PlannedLines)
}

func TestComputeCompletionFullyDispatched(t *testing.T) {
	src := &fakeSource{
		orders: []dispatch.Order{{
			ID:        6,
			ClientID:  2,
			CreatedAt: at("2024-03-02", 11),
			Lines: []dispatch.OrderLine{
				{ID: 61, OrderID: 6, ProductID: 100, Quantity: 2, ListPrice: dec(10)},
			},
		}},
		events: []dispatch.Event{
			{ID: 1, OrderID: 6, ProductID: 100, ProductLineID: 61, Quantity: 1, Type: dispatch.EventConfirmed, DispatchDate: ptr(at("2024-03-04", 0)), RateText: "4000"},
			{ID: 2, OrderID: 6, ProductID: 100, ProductLineID: 61, Quantity: 1, Type: dispatch.EventConfirmed, DispatchDate: ptr(at("2024-03-05", 0)), RateText: "4000"},
		},
	}

	snap, err := newAggregator(t, src).Compute(context.Background(), at("2024-03-05", 0))
	require.NoError(t, err)
	require.Equal(t, 1, snap.OrdersFullyDispatched)
	require.Equal(t, 0, snap.OrdersPartiallyDispatched)
	require.Equal(t, 0, snap.OrdersNotDispatched)
	require.True(t, snap.AvgDaysToFirstDispatch.Equal(dec(2)), "avg_days=%s", snap.AvgDaysToFirstDispatch)
	require.True(t, snap.UndeliveredValueUSD.IsZero())
	require.Equal(t, 1, snap.DispatchEvents)
}

func TestComputeFailureAborts(t *testing.T) {
	boom := errors.New("connection reset")
	for _, op := range []string{"created", "with_events", "events", "rates"} {
		src := scenario("4000")
		src.err = boom
		src.failAt = op

		snap, err := newAggregator(t, src).Compute(context.Background(), at("2024-03-05", 0))
		require.Error(t, err, op)
		require.ErrorIs(t, err, ErrAggregationFailed)
		require.ErrorIs(t, err, boom)
		require.True(t, snap.Date.IsZero(), op)
	}
}

func TestComputeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newAggregator(t, scenario("4000")).Compute(ctx, at("2024-03-05", 0))
	require.ErrorIs(t, err, ErrAggregationFailed)
}

func TestNewAggregatorRequiresSource(t *testing.T) {
	_, err := NewAggregator(nil)
	require.Error(t, err)
}

func TestPendingNeverNegative(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("pending quantity >= 0", prop.ForAll(
		func(planned, actual int64) bool {
			p := PendingQuantity(planned, actual)
			return p >= 0 && (planned <= actual || p == planned-actual)
		},
		gen.Int64Range(0, 1_000_000), gen.Int64Range(0, 1_000_000),
	))
	properties.Property("pending value >= 0", prop.ForAll(
		func(planned, actual int64) bool {
			p := PendingValue(decimal.New(planned, -2), decimal.New(actual, -2))
			return !p.IsNegative()
		},
		gen.Int64Range(0, 100_000_000), gen.Int64Range(0, 100_000_000),
	))
	properties.TestingRun(t)
}

func TestPercent(t *testing.T) {
	require.True(t, Percent(dec(1), dec(3)).Equal(decimal.RequireFromString("33.33")))
	require.True(t, Percent(dec(5), decimal.Zero).IsZero())
}
