package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/statistics"
	"trm-dispatch-stats/internal/storage"
	"trm-dispatch-stats/internal/trm"
)

// Show prints recent snapshots, the snapshot of opts.Date, or recent recompute
// runs when opts.Runs is set.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show statistics")
	}
	defer closeStore()

	if opts.Runs {
		runs, err := store.ListRecentRuns(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeRuns(os.Stdout, runs, a.location())
	}

	if opts.Date != nil {
		return showSnapshot(ctx, os.Stdout, store, *opts.Date, a.location())
	}

	snaps, err := store.ListRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeSnapshots(os.Stdout, snaps, a.location())
}

type snapshotGetter interface {
	GetSnapshot(ctx context.Context, date time.Time) (statistics.Snapshot, bool, error)
}

func showSnapshot(ctx context.Context, out io.Writer, store snapshotGetter, day time.Time, loc *time.Location) error {
	snap, ok, err := store.GetSnapshot(ctx, day)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "no snapshot for %s\n", trm.DateKey(day, loc))
		return nil
	}
	return writeSnapshots(out, []statistics.Snapshot{snap}, loc)
}

func writeSnapshots(out io.Writer, snaps []statistics.Snapshot, loc *time.Location) error {
	if len(snaps) == 0 {
		fmt.Fprintln(out, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Date\tCreated\tDispatched\tEvents\tPlannedUSD\tDispatchedUSD\tPendingUSD\tFulfill%\tTRM\tTRMSource\tComputed")
	for _, s := range snaps {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			trm.DateKey(s.Date, loc),
			s.OrdersCreated,
			s.DispatchedOrders,
			s.DispatchEvents,
			formatDecimal(s.PlannedValueUSD, 2),
			formatDecimal(s.DispatchedValueUSD, 2),
			formatDecimal(s.PendingValueUSD, 2),
			formatDecimal(s.FulfillmentPct, 2),
			formatDecimal(s.AverageTRM, 2),
			s.AverageTRMSource,
			s.ComputedAt.UTC().Format(time.RFC3339),
		)
	}
	return writer.Flush()
}

func writeRuns(out io.Writer, runs []storage.RecomputeRun, loc *time.Location) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "no recompute runs found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tDate\tStatus\tDuration\tError")
	for _, run := range runs {
		errMsg := ""
		if run.Error != nil {
			errMsg = sanitizeInline(*run.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			run.CreatedAt.UTC().Format(time.RFC3339),
			trm.DateKey(run.Date, loc),
			run.Status,
			(time.Duration(run.DurationMS) * time.Millisecond).String(),
			errMsg,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
