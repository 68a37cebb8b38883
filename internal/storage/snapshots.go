package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/statistics"
)

// snapshotColumns is the daily_statistics column order shared by insert and select.
var snapshotColumns = []string{
	"stat_date",
	"orders_created",
	"commercial_orders",
	"sample_orders",
	"mixed_orders",
	"new_win_orders",
	"orders_by_status",
	"created_quantity",
	"created_value_usd",
	"created_value_cop",
	"dispatched_orders",
	"dispatch_events",
	"dispatched_quantity",
	"dispatched_commercial_qty",
	"dispatched_sample_qty",
	"dispatched_value_usd",
	"dispatched_value_cop",
	"planned_orders",
	"planned_lines",
	"planned_quantity",
	"planned_value_usd",
	"planned_value_cop",
	"planned_from_confirmed",
	"planned_from_tentative",
	"planned_computed",
	"pending_quantity",
	"pending_value_usd",
	"pending_value_cop",
	"fulfillment_pct",
	"value_fulfillment_pct",
	"orders_fully_dispatched",
	"orders_partially_dispatched",
	"orders_not_dispatched",
	"avg_days_to_first_dispatch",
	"undelivered_value_usd",
	"events_custom_rate",
	"events_default_rate",
	"events_historical_rate",
	"events_resolved_rate",
	"events_order_rate",
	"events_static_rate",
	"average_trm",
	"min_trm",
	"max_trm",
	"average_trm_source",
	"clients_creating",
	"clients_dispatched",
	"clients_planned",
	"clients_active",
	"computed_at",
}

// numericColumns are selected as text and parsed into decimals.
var numericColumns = map[string]bool{
	"created_value_usd":          true,
	"created_value_cop":          true,
	"dispatched_value_usd":       true,
	"dispatched_value_cop":       true,
	"planned_value_usd":          true,
	"planned_value_cop":          true,
	"pending_value_usd":          true,
	"pending_value_cop":          true,
	"fulfillment_pct":            true,
	"value_fulfillment_pct":      true,
	"avg_days_to_first_dispatch": true,
	"undelivered_value_usd":      true,
	"average_trm":                true,
	"min_trm":                    true,
	"max_trm":                    true,
}

var (
	deleteSnapshotSQL = `DELETE FROM daily_statistics WHERE stat_date = $1::date;`

	insertSnapshotSQL = buildInsertSnapshotSQL()

	selectSnapshotSQL = buildSelectSnapshotSQL()

	listRecentSnapshotsSQL = selectSnapshotSQL + `
    ORDER BY stat_date DESC
    LIMIT $1;`

	listSnapshotsBetweenSQL = selectSnapshotSQL + `
    WHERE stat_date >= $1::date
      AND stat_date <= $2::date
    ORDER BY stat_date;`

	getSnapshotSQL = selectSnapshotSQL + `
    WHERE stat_date = $1::date;`
)

func buildInsertSnapshotSQL() string {
	placeholders := make([]string, len(snapshotColumns))
	for i, col := range snapshotColumns {
		switch col {
		case "stat_date":
			placeholders[i] = fmt.Sprintf("$%d::date", i+1)
		case "orders_by_status":
			placeholders[i] = fmt.Sprintf("$%d::jsonb", i+1)
		default:
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
	}
	return "INSERT INTO daily_statistics (\n        " +
		strings.Join(snapshotColumns, ",\n        ") +
		"\n    ) VALUES (\n        " + strings.Join(placeholders, ",") + "\n    );"
}

func buildSelectSnapshotSQL() string {
	cols := make([]string, len(snapshotColumns))
	for i, col := range snapshotColumns {
		switch {
		case col == "stat_date":
			cols[i] = "to_char(stat_date, 'YYYY-MM-DD')"
		case numericColumns[col]:
			cols[i] = col + "::text"
		default:
			cols[i] = col
		}
	}
	return "SELECT\n        " + strings.Join(cols, ",\n        ") + "\n    FROM daily_statistics"
}

// SnapshotStore defines persistence for daily statistics snapshots.
type SnapshotStore interface {
	ReplaceSnapshot(ctx context.Context, snap statistics.Snapshot) error
	GetSnapshot(ctx context.Context, date time.Time) (statistics.Snapshot, bool, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]statistics.Snapshot, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]statistics.Snapshot, error)
}

// ReplaceSnapshot deletes and reinserts the date's row in one transaction.
func (s *Store) ReplaceSnapshot(ctx context.Context, snap statistics.Snapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	args, err := s.snapshotArgs(snap)
	if err != nil {
		return err
	}

	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteSnapshotSQL, args[0]); err != nil {
			return fmt.Errorf("delete snapshot: %w", err)
		}
		if _, err := tx.Exec(ctx, insertSnapshotSQL, args...); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return fmt.Errorf("replace snapshot %s: %w", args[0], txErr)
	}
	return nil
}

// GetSnapshot loads the snapshot for one date.
func (s *Store) GetSnapshot(ctx context.Context, date time.Time) (statistics.Snapshot, bool, error) {
	snaps, err := s.querySnapshots(ctx, "get snapshot", getSnapshotSQL, s.dateKey(date))
	if err != nil {
		return statistics.Snapshot{}, false, err
	}
	if len(snaps) == 0 {
		return statistics.Snapshot{}, false, nil
	}
	return snaps[0], true, nil
}

// ListRecentSnapshots lists the newest snapshots first.
func (s *Store) ListRecentSnapshots(ctx context.Context, limit int) ([]statistics.Snapshot, error) {
	return s.querySnapshots(ctx, "list recent snapshots", listRecentSnapshotsSQL, limit)
}

// ListSnapshotsBetween lists snapshots for the calendar dates of from through to.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]statistics.Snapshot, error) {
	return s.querySnapshots(ctx, "list snapshots between", listSnapshotsBetweenSQL, s.dateKey(from), s.dateKey(to))
}

func (s *Store) querySnapshots(ctx context.Context, op, query string, args ...any) ([]statistics.Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	snaps := make([]statistics.Snapshot, 0)
	for rows.Next() {
		snap, scanErr := s.scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// snapshotFields maps each column to its Snapshot field. Numeric columns
// point at decimals; the rest point at plain Go values.
func snapshotFields(snap *statistics.Snapshot) map[string]any {
	return map[string]any{
		"orders_created":              &snap.OrdersCreated,
		"commercial_orders":           &snap.CommercialOrders,
		"sample_orders":               &snap.SampleOrders,
		"mixed_orders":                &snap.MixedOrders,
		"new_win_orders":              &snap.NewWinOrders,
		"created_quantity":            &snap.CreatedQuantity,
		"created_value_usd":           &snap.CreatedValueUSD,
		"created_value_cop":           &snap.CreatedValueCOP,
		"dispatched_orders":           &snap.DispatchedOrders,
		"dispatch_events":             &snap.DispatchEvents,
		"dispatched_quantity":         &snap.DispatchedQuantity,
		"dispatched_commercial_qty":   &snap.DispatchedCommercialQty,
		"dispatched_sample_qty":       &snap.DispatchedSampleQty,
		"dispatched_value_usd":        &snap.DispatchedValueUSD,
		"dispatched_value_cop":        &snap.DispatchedValueCOP,
		"planned_orders":              &snap.PlannedOrders,
		"planned_lines":               &snap.PlannedLines,
		"planned_quantity":            &snap.PlannedQuantity,
		"planned_value_usd":           &snap.PlannedValueUSD,
		"planned_value_cop":           &snap.PlannedValueCOP,
		"planned_from_confirmed":      &snap.PlannedFromConfirmed,
		"planned_from_tentative":      &snap.PlannedFromTentative,
		"planned_computed":            &snap.PlannedComputed,
		"pending_quantity":            &snap.PendingQuantity,
		"pending_value_usd":           &snap.PendingValueUSD,
		"pending_value_cop":           &snap.PendingValueCOP,
		"fulfillment_pct":             &snap.FulfillmentPct,
		"value_fulfillment_pct":       &snap.ValueFulfillmentPct,
		"orders_fully_dispatched":     &snap.OrdersFullyDispatched,
		"orders_partially_dispatched": &snap.OrdersPartiallyDispatched,
		"orders_not_dispatched":       &snap.OrdersNotDispatched,
		"avg_days_to_first_dispatch":  &snap.AvgDaysToFirstDispatch,
		"undelivered_value_usd":       &snap.UndeliveredValueUSD,
		"events_custom_rate":          &snap.EventsCustomRate,
		"events_default_rate":         &snap.EventsDefaultRate,
		"events_historical_rate":      &snap.EventsHistoricalRate,
		"events_resolved_rate":        &snap.EventsResolvedRate,
		"events_order_rate":           &snap.EventsOrderRate,
		"events_static_rate":          &snap.EventsStaticRate,
		"average_trm":                 &snap.AverageTRM,
		"min_trm":                     &snap.MinTRM,
		"max_trm":                     &snap.MaxTRM,
		"clients_creating":            &snap.ClientsCreating,
		"clients_dispatched":          &snap.ClientsDispatched,
		"clients_planned":             &snap.ClientsPlanned,
		"clients_active":              &snap.ClientsActive,
		"computed_at":                 &snap.ComputedAt,
	}
}

func (s *Store) snapshotArgs(snap statistics.Snapshot) ([]any, error) {
	status := snap.OrdersByStatus
	if status == nil {
		status = map[string]int{}
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return nil, fmt.Errorf("encode orders by status: %w", err)
	}
	if snap.ComputedAt.IsZero() {
		snap.ComputedAt = time.Now()
	}

	fields := snapshotFields(&snap)
	args := make([]any, len(snapshotColumns))
	for i, col := range snapshotColumns {
		switch col {
		case "stat_date":
			args[i] = s.dateKey(snap.Date)
		case "orders_by_status":
			args[i] = string(statusJSON)
		case "average_trm_source":
			args[i] = string(snap.AverageTRMSource)
		default:
			switch v := fields[col].(type) {
			case *decimal.Decimal:
				args[i] = v.String()
			case *int:
				args[i] = *v
			case *int64:
				args[i] = *v
			case *time.Time:
				args[i] = *v
			default:
				return nil, fmt.Errorf("snapshot column %s has no field", col)
			}
		}
	}
	return args, nil
}

func (s *Store) scanSnapshot(rows pgx.Rows) (statistics.Snapshot, error) {
	var (
		snap       statistics.Snapshot
		dateStr    string
		statusJSON []byte
		source     string
	)
	fields := snapshotFields(&snap)
	raw := make(map[string]*string, len(numericColumns))
	dest := make([]any, len(snapshotColumns))
	for i, col := range snapshotColumns {
		switch {
		case col == "stat_date":
			dest[i] = &dateStr
		case col == "orders_by_status":
			dest[i] = &statusJSON
		case col == "average_trm_source":
			dest[i] = &source
		case numericColumns[col]:
			str := new(string)
			raw[col] = str
			dest[i] = str
		default:
			dest[i] = fields[col]
		}
	}
	if err := rows.Scan(dest...); err != nil {
		return statistics.Snapshot{}, err
	}

	date, err := s.parseDate(dateStr)
	if err != nil {
		return statistics.Snapshot{}, err
	}
	snap.Date = date
	snap.AverageTRMSource = statistics.DayRateSource(source)
	if len(statusJSON) > 0 {
		if err := json.Unmarshal(statusJSON, &snap.OrdersByStatus); err != nil {
			return statistics.Snapshot{}, fmt.Errorf("decode orders by status: %w", err)
		}
	}
	for col, str := range raw {
		v, err := decimal.NewFromString(*str)
		if err != nil {
			return statistics.Snapshot{}, fmt.Errorf("parse %s: %w", col, err)
		}
		*(fields[col].(*decimal.Decimal)) = v
	}
	return snap, nil
}
