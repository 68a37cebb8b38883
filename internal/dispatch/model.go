// Package dispatch models purchase orders and their dispatch events and
// resolves planned dispatch dates and the rate applied to each event.
package dispatch

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType distinguishes shipped quantities from provisional ones.
type EventType string

const (
	EventConfirmed EventType = "confirmed"
	EventTentative EventType = "tentative"
)

// Event is a dispatch record ("partial") for one order line.
type Event struct {
	ID            int64
	OrderID       int64
	ProductID     int64
	ProductLineID int64
	Quantity      int64
	Type          EventType
	DispatchDate  *time.Time
	// RateText is the rate as stored with the event; it may be empty or
	// inconsistently formatted.
	RateText string
}

// Order is a purchase order with its lines.
type Order struct {
	ID        int64
	ClientID  int64
	Status    string
	CreatedAt time.Time
	NewWin    bool
	// Rate is the order-level reference rate; zero when absent.
	Rate  decimal.Decimal
	Lines []OrderLine
}

// OrderLine is one product on an order.
type OrderLine struct {
	ID                    int64
	OrderID               int64
	ProductID             int64
	Quantity              int64
	ListPrice             decimal.Decimal
	UnitPriceOverride     *decimal.Decimal
	IsSample              bool
	RequestedDeliveryDate *time.Time
}

// UnitPrice is the USD price per unit; samples are always free.
func (l OrderLine) UnitPrice() decimal.Decimal {
	if l.IsSample {
		return decimal.Zero
	}
	if l.UnitPriceOverride != nil {
		return *l.UnitPriceOverride
	}
	return l.ListPrice
}

// Value is the USD value of qty units of the line.
func (l OrderLine) Value(qty int64) decimal.Decimal {
	return l.UnitPrice().Mul(decimal.NewFromInt(qty))
}

// Classification groups orders by the sample flag of their lines.
type Classification string

const (
	ClassCommercial Classification = "commercial"
	ClassSample     Classification = "sample"
	ClassMixed      Classification = "mixed"
)

// Classify reports whether the order holds commercial lines, samples, or both.
// An order without lines counts as commercial.
func (o Order) Classify() Classification {
	var commercial, sample bool
	for _, l := range o.Lines {
		if l.IsSample {
			sample = true
		} else {
			commercial = true
		}
	}
	switch {
	case commercial && sample:
		return ClassMixed
	case sample:
		return ClassSample
	default:
		return ClassCommercial
	}
}

// Line finds the order line an event belongs to, matching the line id first
// and the product id second.
func (o Order) Line(e Event) (OrderLine, bool) {
	if e.ProductLineID != 0 {
		for _, l := range o.Lines {
			if l.ID == e.ProductLineID {
				return l, true
			}
		}
	}
	for _, l := range o.Lines {
		if l.ProductID == e.ProductID {
			return l, true
		}
	}
	return OrderLine{}, false
}

// EventsForLine filters events that belong to line.
func EventsForLine(line OrderLine, events []Event) []Event {
	out := make([]Event, 0)
	for _, e := range events {
		if e.OrderID != line.OrderID {
			continue
		}
		if e.ProductLineID != 0 {
			if e.ProductLineID == line.ID {
				out = append(out, e)
			}
			continue
		}
		if e.ProductID == line.ProductID {
			out = append(out, e)
		}
	}
	return out
}
