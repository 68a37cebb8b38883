package dispatch

import (
	"time"

	"trm-dispatch-stats/internal/trm"
)

const (
	// DefaultPlanningDays is the business-day offset from order creation used
	// when no dispatch event carries a date.
	DefaultPlanningDays = 10
	// DefaultLookupBufferDays widens lookup windows so orders created before the
	// target day, whose computed dates land on it, are still considered.
	DefaultLookupBufferDays = 15
)

// DateSource records which tier produced a planned dispatch date.
type DateSource string

const (
	DateFromConfirmed DateSource = "confirmed"
	DateFromTentative DateSource = "tentative"
	DateComputed      DateSource = "computed"
)

// PlannedDate is the resolved planned dispatch date of an order line.
type PlannedDate struct {
	Date   time.Time
	Source DateSource
	// Event is the selected confirmed event, nil for other sources.
	Event *Event
	// RateText is the rate attached to the selected confirmed event.
	RateText string
}

// DateResolver resolves planned dispatch dates.
type DateResolver struct {
	PlanningDays     int
	LookupBufferDays int
	Location         *time.Location
}

// NewDateResolver builds a resolver with defaults for non-positive values.
func NewDateResolver(planningDays, bufferDays int, loc *time.Location) DateResolver {
	if planningDays <= 0 {
		planningDays = DefaultPlanningDays
	}
	if bufferDays <= 0 {
		bufferDays = DefaultLookupBufferDays
	}
	if loc == nil {
		loc = time.Local
	}
	return DateResolver{PlanningDays: planningDays, LookupBufferDays: bufferDays, Location: loc}
}

// Resolve picks the earliest dated confirmed event, else the earliest dated
// tentative event, else orderCreated plus PlanningDays business days.
func (r DateResolver) Resolve(events []Event, orderCreated time.Time) PlannedDate {
	if e := earliest(events, EventConfirmed); e != nil {
		return PlannedDate{
			Date:     trm.StartOfDay(*e.DispatchDate, r.Location),
			Source:   DateFromConfirmed,
			Event:    e,
			RateText: e.RateText,
		}
	}
	if e := earliest(events, EventTentative); e != nil {
		return PlannedDate{
			Date:   trm.StartOfDay(*e.DispatchDate, r.Location),
			Source: DateFromTentative,
		}
	}

	days := r.PlanningDays
	if days <= 0 {
		days = DefaultPlanningDays
	}
	return PlannedDate{
		Date:   AddBusinessDays(trm.StartOfDay(orderCreated, r.Location), days),
		Source: DateComputed,
	}
}

// LookupStart returns the start of the buffered window ending at from.
func (r DateResolver) LookupStart(from time.Time) time.Time {
	days := r.LookupBufferDays
	if days <= 0 {
		days = DefaultLookupBufferDays
	}
	return from.AddDate(0, 0, -days)
}

func earliest(events []Event, typ EventType) *Event {
	var best *Event
	for i := range events {
		e := &events[i]
		if e.Type != typ || e.DispatchDate == nil {
			continue
		}
		if best == nil || e.DispatchDate.Before(*best.DispatchDate) {
			best = e
		}
	}
	return best
}
