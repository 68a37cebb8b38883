package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/dispatch"
)

const (
	orderColumns = `o.id,
        o.client_id,
        o.status,
        o.created_at,
        o.new_win,
        o.trm::text`

	listOrdersCreatedBetweenSQL = `SELECT ` + orderColumns + `
    FROM orders o
    WHERE o.created_at >= $1
      AND o.created_at < $2
    ORDER BY o.id;`

	listOrdersWithEventsBetweenSQL = `SELECT ` + orderColumns + `
    FROM orders o
    WHERE EXISTS (
        SELECT 1 FROM dispatch_events e
        WHERE e.order_id = o.id
          AND e.dispatch_date >= $1::date
          AND e.dispatch_date < $2::date
          AND e.event_type = ANY($3)
    )
    ORDER BY o.id;`

	listLinesForOrdersSQL = `SELECT
        id,
        order_id,
        product_id,
        quantity,
        list_price,
        unit_price_override::text,
        is_sample,
        to_char(requested_delivery_date, 'YYYY-MM-DD')
    FROM order_lines
    WHERE order_id = ANY($1)
    ORDER BY order_id, id;`

	listEventsForOrdersSQL = `SELECT
        id,
        order_id,
        product_id,
        product_line_id,
        quantity,
        event_type,
        to_char(dispatch_date, 'YYYY-MM-DD'),
        trm
    FROM dispatch_events
    WHERE order_id = ANY($1)
    ORDER BY order_id, id;`
)

// OrdersCreatedBetween lists orders created within [from, to) with their lines.
func (s *Store) OrdersCreatedBetween(ctx context.Context, from, to time.Time) ([]dispatch.Order, error) {
	return s.listOrders(ctx, "list orders created between", listOrdersCreatedBetweenSQL, from, to)
}

// OrdersWithEventsBetween lists orders with at least one event of the given
// types dated within [from, to). No types means confirmed only.
func (s *Store) OrdersWithEventsBetween(ctx context.Context, from, to time.Time, types ...dispatch.EventType) ([]dispatch.Order, error) {
	if len(types) == 0 {
		types = []dispatch.EventType{dispatch.EventConfirmed}
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return s.listOrders(ctx, "list orders with events between", listOrdersWithEventsBetweenSQL, s.dateKey(from), s.dateKey(to), names)
}

// EventsForOrders lists every dispatch event of the given orders, undated and
// future-dated events included.
func (s *Store) EventsForOrders(ctx context.Context, orderIDs []int64) ([]dispatch.Event, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEventsForOrdersSQL, orderIDs)
	if queryErr != nil {
		return nil, fmt.Errorf("list events for orders: %w", queryErr)
	}
	defer rows.Close()

	events := make([]dispatch.Event, 0)
	for rows.Next() {
		e, scanErr := s.scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func (s *Store) listOrders(ctx context.Context, op, query string, args ...any) ([]dispatch.Order, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	orders := make([]dispatch.Order, 0)
	for rows.Next() {
		o, scanErr := scanOrder(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		orders = append(orders, o)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	lineRows, queryErr := pool.Query(ctx, listLinesForOrdersSQL, ids)
	if queryErr != nil {
		return nil, fmt.Errorf("list order lines: %w", queryErr)
	}
	defer lineRows.Close()
	for lineRows.Next() {
		l, scanErr := s.scanLine(lineRows)
		if scanErr != nil {
			return nil, scanErr
		}
		if i, ok := index[l.OrderID]; ok {
			orders[i].Lines = append(orders[i].Lines, l)
		}
	}
	if lineRows.Err() != nil {
		return nil, lineRows.Err()
	}
	return orders, nil
}

func scanOrder(rows pgx.Rows) (dispatch.Order, error) {
	var (
		o      dispatch.Order
		status sql.NullString
		rate   sql.NullString
	)
	if err := rows.Scan(&o.ID, &o.ClientID, &status, &o.CreatedAt, &o.NewWin, &rate); err != nil {
		return dispatch.Order{}, err
	}
	o.Status = status.String
	o.Rate = decimal.Zero
	if rate.Valid {
		v, err := decimal.NewFromString(rate.String)
		if err != nil {
			return dispatch.Order{}, fmt.Errorf("parse order %d rate: %w", o.ID, err)
		}
		o.Rate = v
	}
	return o, nil
}

func (s *Store) scanLine(rows pgx.Rows) (dispatch.OrderLine, error) {
	var (
		l         dispatch.OrderLine
		priceStr  string
		override  sql.NullString
		requested sql.NullString
	)
	if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Quantity, &priceStr, &override, &l.IsSample, &requested); err != nil {
		return dispatch.OrderLine{}, err
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return dispatch.OrderLine{}, fmt.Errorf("parse line %d price: %w", l.ID, err)
	}
	l.ListPrice = price
	if override.Valid {
		v, err := decimal.NewFromString(override.String)
		if err != nil {
			return dispatch.OrderLine{}, fmt.Errorf("parse line %d price override: %w", l.ID, err)
		}
		l.UnitPriceOverride = &v
	}
	if requested.Valid {
		d, err := s.parseDate(requested.String)
		if err != nil {
			return dispatch.OrderLine{}, err
		}
		l.RequestedDeliveryDate = &d
	}
	return l, nil
}

func (s *Store) scanEvent(rows pgx.Rows) (dispatch.Event, error) {
	var (
		e       dispatch.Event
		lineID  sql.NullInt64
		typ     string
		dateStr sql.NullString
		rate    sql.NullString
	)
	if err := rows.Scan(&e.ID, &e.OrderID, &e.ProductID, &lineID, &e.Quantity, &typ, &dateStr, &rate); err != nil {
		return dispatch.Event{}, err
	}
	e.Type = dispatch.EventType(typ)
	if lineID.Valid {
		e.ProductLineID = lineID.Int64
	}
	if dateStr.Valid {
		d, err := s.parseDate(dateStr.String)
		if err != nil {
			return dispatch.Event{}, err
		}
		e.DispatchDate = &d
	}
	e.RateText = rate.String
	return e, nil
}
