package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"trm-dispatch-stats/internal/trm"
)

// Recompute rebuilds the snapshot of one day.
func (a *App) Recompute(ctx context.Context, opts RecomputeOptions) error {
	p, err := a.openPipeline(ctx, nil)
	if err != nil {
		return err
	}
	defer p.close()

	snap, err := p.service.RecomputeDay(ctx, opts.Date)
	if err != nil {
		return err
	}
	a.Logger.Info().
		Str("date", trm.DateKey(snap.Date, a.location())).
		Int("orders_created", snap.OrdersCreated).
		Int("dispatch_events", snap.DispatchEvents).
		Str("average_trm", snap.AverageTRM.String()).
		Str("average_trm_source", string(snap.AverageTRMSource)).
		Msg("重算完成")
	return nil
}

// Backfill recomputes every day of a range sequentially.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	loc := a.location()
	from := trm.StartOfDay(opts.From, loc)
	to := trm.StartOfDay(opts.To, loc)
	if to.Before(from) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	if opts.DryRun {
		return a.backfillDryRun(ctx, from, to)
	}

	p, err := a.openPipeline(ctx, nil)
	if err != nil {
		return err
	}
	defer p.close()

	report, err := p.service.Backfill(ctx, from, to)
	if err != nil {
		return err
	}

	failed := make([]string, 0, len(report.Failed))
	for day, dayErr := range report.Failed {
		failed = append(failed, day)
		a.Logger.Error().Err(dayErr).Str("date", day).Msg("回填失败")
	}
	sort.Strings(failed)

	a.Logger.Info().Int("processed", report.Succeeded).Int("failed", len(failed)).Msg("回填完成")
	if len(failed) > 0 {
		return fmt.Errorf("部分日期回填失败: %v", failed)
	}
	return nil
}

// backfillDryRun computes each day without writing snapshots or audit rows.
func (a *App) backfillDryRun(ctx context.Context, from, to time.Time) error {
	loc := a.location()
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; cannot compute statistics")
	}
	defer closeStore()

	cache, closeCache, err := a.openCache(ctx, store)
	if err != nil {
		return err
	}
	defer closeCache()

	agg, err := a.newAggregator(store, a.newResolver(cache))
	if err != nil {
		return err
	}

	a.Logger.Warn().Str("from", trm.DateKey(from, loc)).Str("to", trm.DateKey(to, loc)).Msg("回填 dry-run：不会写入数据库")
	failed := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap, err := agg.Compute(ctx, day)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Str("date", trm.DateKey(day, loc)).Msg("dry-run 计算失败")
			continue
		}
		a.Logger.Info().
			Str("date", trm.DateKey(day, loc)).
			Int("orders_created", snap.OrdersCreated).
			Int("dispatch_events", snap.DispatchEvents).
			Str("planned_value_usd", snap.PlannedValueUSD.StringFixed(2)).
			Str("average_trm", snap.AverageTRM.StringFixed(2)).
			Msg("dry-run snapshot")
	}
	if failed > 0 {
		return fmt.Errorf("dry-run: %d 天计算失败", failed)
	}
	return nil
}
