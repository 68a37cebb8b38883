// Package statistics computes the daily dispatch statistics snapshot.
package statistics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trm-dispatch-stats/internal/dispatch"
	"trm-dispatch-stats/internal/trm"
)

// ErrAggregationFailed wraps every failure of a day's computation.
var ErrAggregationFailed = errors.New("statistics: aggregation failed")

// Source reads the order, dispatch and historical-rate records for a day.
// Returned orders carry their lines. EventsForOrders returns every event of the
// orders regardless of date: a confirmed event after the day still decides the
// planned date of its line.
type Source interface {
	OrdersCreatedBetween(ctx context.Context, from, to time.Time) ([]dispatch.Order, error)
	OrdersWithEventsBetween(ctx context.Context, from, to time.Time, types ...dispatch.EventType) ([]dispatch.Order, error)
	EventsForOrders(ctx context.Context, orderIDs []int64) ([]dispatch.Event, error)
	HistoricalRates(ctx context.Context, from, to time.Time) (map[string]decimal.Decimal, error)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLocation sets the calendar that defines day bounds.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithBounds overrides the rate plausibility window.
func WithBounds(b trm.Bounds) Option {
	return func(a *Aggregator) {
		if !b.Max.IsZero() {
			a.bounds = b
		}
	}
}

// WithPlanning sets the business-day offset and lookup buffer.
func WithPlanning(businessDays, bufferDays int) Option {
	return func(a *Aggregator) {
		a.planningDays = businessDays
		a.bufferDays = bufferDays
	}
}

// WithQuoteResolver lets event rates fall back to the reference-rate resolver
// when no historical rate is stored for the date.
func WithQuoteResolver(q dispatch.QuoteResolver) Option {
	return func(a *Aggregator) { a.quotes = q }
}

// WithClock injects the clock stamped into ComputedAt.
func WithClock(c trm.Clock) Option {
	return func(a *Aggregator) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithLogger sets the aggregator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l.With().Str("component", "statistics").Logger()
	}
}

// Aggregator computes one Snapshot per calendar date.
type Aggregator struct {
	source       Source
	loc          *time.Location
	bounds       trm.Bounds
	planningDays int
	bufferDays   int
	quotes       dispatch.QuoteResolver
	clock        trm.Clock
	logger       zerolog.Logger
}

// NewAggregator constructs an Aggregator over source.
func NewAggregator(source Source, opts ...Option) (*Aggregator, error) {
	if source == nil {
		return nil, errors.New("statistics: nil source")
	}
	a := &Aggregator{
		source: source,
		loc:    time.Local,
		bounds: trm.DefaultBounds(),
		clock:  trm.SystemClock{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Compute loads the records touching day and merges the seven metric groups
// into one Snapshot. Any failure aborts the whole day.
func (a *Aggregator) Compute(ctx context.Context, day time.Time) (Snapshot, error) {
	from := trm.StartOfDay(day, a.loc)
	to := from.AddDate(0, 0, 1)
	dates := dispatch.NewDateResolver(a.planningDays, a.bufferDays, a.loc)

	d, err := a.load(ctx, from, to, dates)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Date: from}
	groups := []struct {
		name string
		fn   func(context.Context, *Snapshot) error
	}{
		{"actual", d.actual},
		{"financial", d.financial},
		{"creation", d.creation},
		{"planned", d.planned},
		{"pending", d.pending},
		{"completion", d.completion},
		{"clients", d.clients},
	}
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, fail(g.name, err)
		}
		if err := g.fn(ctx, &snap); err != nil {
			return Snapshot{}, fail(g.name, err)
		}
	}
	snap.ComputedAt = a.clock.Now()

	a.logger.Debug().
		Str("date", trm.DateKey(from, a.loc)).
		Int("orders_created", snap.OrdersCreated).
		Int("dispatch_events", snap.DispatchEvents).
		Int("planned_lines", snap.PlannedLines).
		Str("average_trm", snap.AverageTRM.String()).
		Msg("snapshot computed")
	return snap, nil
}

func fail(group string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAggregationFailed, group, err)
}

// dayData is the loaded input of one day's computation.
type dayData struct {
	from, to time.Time
	loc      *time.Location
	bounds   trm.Bounds
	dates    dispatch.DateResolver
	rates    *dispatch.RateResolver
	history  *dispatch.RateTable

	created    []dispatch.Order
	dispatched []dispatch.Order
	planning   []dispatch.Order
	orders     map[int64]dispatch.Order
	events     map[int64][]dispatch.Event

	// filled by actual, read by financial
	applied    []appliedRate
	dayRate    decimal.Decimal
	plannedIDs map[int64]bool
}

type appliedRate struct {
	event dispatch.Event
	rate  dispatch.EffectiveRate
}

func (a *Aggregator) load(ctx context.Context, from, to time.Time, dates dispatch.DateResolver) (*dayData, error) {
	lookupFrom := dates.LookupStart(from)

	var (
		created, dispatched, recent, touched []dispatch.Order
		history                              map[string]decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if created, err = a.source.OrdersCreatedBetween(gctx, from, to); err != nil {
			return fail("creation", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if dispatched, err = a.source.OrdersWithEventsBetween(gctx, from, to, dispatch.EventConfirmed); err != nil {
			return fail("actual", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if recent, err = a.source.OrdersCreatedBetween(gctx, lookupFrom, to); err != nil {
			return fail("planned", err)
		}
		if touched, err = a.source.OrdersWithEventsBetween(gctx, from, to, dispatch.EventConfirmed, dispatch.EventTentative); err != nil {
			return fail("planned", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if history, err = a.source.HistoricalRates(gctx, lookupFrom, to); err != nil {
			return fail("financial", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d := &dayData{
		from:    from,
		to:      to,
		loc:     a.loc,
		bounds:  a.bounds,
		dates:   dates,
		history: dispatch.NewRateTable(history, a.loc),
		orders:  make(map[int64]dispatch.Order),
		events:  make(map[int64][]dispatch.Event),
	}
	d.rates = dispatch.NewRateResolver(a.bounds, d.history, a.quotes)
	d.created = d.index(created)
	d.dispatched = d.index(dispatched)
	d.planning = d.index(append(recent, touched...))
	a.logger.Debug().
		Str("date", trm.DateKey(from, a.loc)).
		Int("orders", len(d.orders)).
		Int("historical_rates", d.history.Len()).
		Msg("day inputs loaded")

	ids := make([]int64, 0, len(d.orders))
	for id := range d.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) == 0 {
		return d, nil
	}

	events, err := a.source.EventsForOrders(ctx, ids)
	if err != nil {
		return nil, fail("events", err)
	}
	for _, e := range events {
		if _, ok := d.orders[e.OrderID]; !ok {
			return nil, fail("events", fmt.Errorf("event %d references unloaded order %d", e.ID, e.OrderID))
		}
		d.events[e.OrderID] = append(d.events[e.OrderID], e)
	}
	return d, nil
}

// index registers orders and returns them deduplicated by id.
func (d *dayData) index(orders []dispatch.Order) []dispatch.Order {
	seen := make(map[int64]bool, len(orders))
	out := make([]dispatch.Order, 0, len(orders))
	for _, o := range orders {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		d.orders[o.ID] = o
		out = append(out, o)
	}
	return out
}

func (d *dayData) inRange(t time.Time) bool {
	return !t.Before(d.from) && t.Before(d.to)
}

// actual sums confirmed events dated within the day.
func (d *dayData) actual(ctx context.Context, s *Snapshot) error {
	s.DispatchedValueUSD = decimal.Zero
	s.DispatchedValueCOP = decimal.Zero
	orders := make(map[int64]bool)
	for _, o := range d.dispatched {
		for _, e := range d.events[o.ID] {
			if e.Type != dispatch.EventConfirmed || e.DispatchDate == nil || !d.inRange(*e.DispatchDate) {
				continue
			}
			rate := d.rates.Resolve(ctx, e.RateText, *e.DispatchDate, o.Rate)
			d.applied = append(d.applied, appliedRate{event: e, rate: rate})
			orders[o.ID] = true

			s.DispatchEvents++
			s.DispatchedQuantity += e.Quantity
			line, ok := o.Line(e)
			if ok && line.IsSample {
				s.DispatchedSampleQty += e.Quantity
				continue
			}
			s.DispatchedCommercialQty += e.Quantity
			if !ok {
				continue
			}
			usd := line.Value(e.Quantity)
			s.DispatchedValueUSD = s.DispatchedValueUSD.Add(usd)
			s.DispatchedValueCOP = s.DispatchedValueCOP.Add(usd.Mul(rate.Value))
		}
	}
	s.DispatchedOrders = len(orders)
	return nil
}

// financial counts rate tiers over the day's confirmed events and derives the
// day-average rate.
func (d *dayData) financial(_ context.Context, s *Snapshot) error {
	s.MinTRM = decimal.Zero
	s.MaxTRM = decimal.Zero
	sum := decimal.Zero
	for i, ar := range d.applied {
		if ar.rate.Custom() {
			s.EventsCustomRate++
		} else {
			s.EventsDefaultRate++
		}
		switch ar.rate.Tier {
		case dispatch.RateFromHistorical:
			s.EventsHistoricalRate++
		case dispatch.RateFromResolver:
			s.EventsResolvedRate++
		case dispatch.RateFromOrder:
			s.EventsOrderRate++
		case dispatch.RateFromDefault:
			s.EventsStaticRate++
		}
		v := ar.rate.Value
		sum = sum.Add(v)
		if i == 0 || v.LessThan(s.MinTRM) {
			s.MinTRM = v
		}
		if i == 0 || v.GreaterThan(s.MaxTRM) {
			s.MaxTRM = v
		}
	}

	switch {
	case len(d.applied) > 0:
		d.dayRate = sum.Div(decimal.NewFromInt(int64(len(d.applied)))).Round(2)
		s.AverageTRMSource = DayRateFromDispatch
	default:
		if v, ok := d.history.RateOn(d.from); ok && !d.bounds.IsDefault(v) {
			d.dayRate = v
			s.AverageTRMSource = DayRateFromHistorical
		} else {
			d.dayRate = d.bounds.Default
			s.AverageTRMSource = DayRateFromDefault
		}
	}
	s.AverageTRM = d.dayRate
	return nil
}

// creation summarizes orders created within the day at the day-average rate.
func (d *dayData) creation(_ context.Context, s *Snapshot) error {
	s.OrdersByStatus = make(map[string]int)
	s.CreatedValueUSD = decimal.Zero
	for _, o := range d.created {
		s.OrdersCreated++
		s.OrdersByStatus[o.Status]++
		if o.NewWin {
			s.NewWinOrders++
		}
		switch o.Classify() {
		case dispatch.ClassSample:
			s.SampleOrders++
		case dispatch.ClassMixed:
			s.MixedOrders++
		default:
			s.CommercialOrders++
		}
		for _, l := range o.Lines {
			s.CreatedQuantity += l.Quantity
			s.CreatedValueUSD = s.CreatedValueUSD.Add(l.Value(l.Quantity))
		}
	}
	s.CreatedValueCOP = s.CreatedValueUSD.Mul(d.dayRate)
	return nil
}

// planned sums every line whose resolved planned date falls within the day.
func (d *dayData) planned(ctx context.Context, s *Snapshot) error {
	s.PlannedValueUSD = decimal.Zero
	s.PlannedValueCOP = decimal.Zero
	d.plannedIDs = make(map[int64]bool)
	for _, o := range d.planning {
		events := d.events[o.ID]
		for _, l := range o.Lines {
			pd := d.dates.Resolve(dispatch.EventsForLine(l, events), o.CreatedAt)
			if !d.inRange(pd.Date) {
				continue
			}
			d.plannedIDs[o.ID] = true
			s.PlannedLines++
			s.PlannedQuantity += l.Quantity
			switch pd.Source {
			case dispatch.DateFromConfirmed:
				s.PlannedFromConfirmed++
			case dispatch.DateFromTentative:
				s.PlannedFromTentative++
			default:
				s.PlannedComputed++
			}
			if l.IsSample {
				continue
			}
			usd := l.Value(l.Quantity)
			rate := d.rates.Resolve(ctx, pd.RateText, pd.Date, o.Rate)
			s.PlannedValueUSD = s.PlannedValueUSD.Add(usd)
			s.PlannedValueCOP = s.PlannedValueCOP.Add(usd.Mul(rate.Value))
		}
	}
	s.PlannedOrders = len(d.plannedIDs)
	return nil
}

func (d *dayData) pending(_ context.Context, s *Snapshot) error {
	s.PendingQuantity = PendingQuantity(s.PlannedQuantity, s.DispatchedQuantity)
	s.PendingValueUSD = PendingValue(s.PlannedValueUSD, s.DispatchedValueUSD)
	s.PendingValueCOP = PendingValue(s.PlannedValueCOP, s.DispatchedValueCOP)
	s.FulfillmentPct = Percent(decimal.NewFromInt(s.DispatchedQuantity), decimal.NewFromInt(s.PlannedQuantity))
	s.ValueFulfillmentPct = Percent(s.DispatchedValueUSD, s.PlannedValueUSD)
	return nil
}

// completion classifies every order touched by the day using all confirmed
// events up to the end of the day.
func (d *dayData) completion(_ context.Context, s *Snapshot) error {
	s.UndeliveredValueUSD = decimal.Zero
	s.AvgDaysToFirstDispatch = decimal.Zero
	var (
		totalDays int64
		withFirst int64
	)
	for _, o := range d.activeOrders() {
		var ordered, shipped int64
		var first *time.Time
		perLine := make(map[int64]int64, len(o.Lines))
		for _, e := range d.events[o.ID] {
			if e.Type != dispatch.EventConfirmed || e.DispatchDate == nil || !e.DispatchDate.Before(d.to) {
				continue
			}
			shipped += e.Quantity
			if l, ok := o.Line(e); ok {
				perLine[l.ID] += e.Quantity
			}
			if first == nil || e.DispatchDate.Before(*first) {
				first = e.DispatchDate
			}
		}
		for _, l := range o.Lines {
			ordered += l.Quantity
			if l.IsSample {
				continue
			}
			if short := PendingQuantity(l.Quantity, perLine[l.ID]); short > 0 {
				s.UndeliveredValueUSD = s.UndeliveredValueUSD.Add(l.Value(short))
			}
		}

		switch {
		case shipped == 0:
			s.OrdersNotDispatched++
		case shipped >= ordered:
			s.OrdersFullyDispatched++
		default:
			s.OrdersPartiallyDispatched++
		}
		if first != nil {
			created := trm.StartOfDay(o.CreatedAt, d.loc)
			days := int64(trm.StartOfDay(*first, d.loc).Sub(created).Hours() / 24)
			if days < 0 {
				days = 0
			}
			totalDays += days
			withFirst++
		}
	}
	if withFirst > 0 {
		s.AvgDaysToFirstDispatch = decimal.NewFromInt(totalDays).Div(decimal.NewFromInt(withFirst)).Round(2)
	}
	return nil
}

func (d *dayData) clients(_ context.Context, s *Snapshot) error {
	creating := make(map[int64]bool)
	dispatched := make(map[int64]bool)
	planned := make(map[int64]bool)
	active := make(map[int64]bool)
	for _, o := range d.created {
		creating[o.ClientID] = true
		active[o.ClientID] = true
	}
	for _, ar := range d.applied {
		c := d.orders[ar.event.OrderID].ClientID
		dispatched[c] = true
		active[c] = true
	}
	for id := range d.plannedIDs {
		c := d.orders[id].ClientID
		planned[c] = true
		active[c] = true
	}
	s.ClientsCreating = len(creating)
	s.ClientsDispatched = len(dispatched)
	s.ClientsPlanned = len(planned)
	s.ClientsActive = len(active)
	return nil
}

// activeOrders are orders created, dispatched or planned within the day.
func (d *dayData) activeOrders() []dispatch.Order {
	ids := make(map[int64]bool)
	for _, o := range d.created {
		ids[o.ID] = true
	}
	for _, ar := range d.applied {
		ids[ar.event.OrderID] = true
	}
	for id := range d.plannedIDs {
		ids[id] = true
	}
	out := make([]dispatch.Order, 0, len(ids))
	for id := range ids {
		out = append(out, d.orders[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
