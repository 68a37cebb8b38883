package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"trm-dispatch-stats/internal/service"
	"trm-dispatch-stats/internal/trm"
)

// ResolveRate prints the reference rate of a date and, with Persist, stores it
// in the historical table.
func (a *App) ResolveRate(ctx context.Context, opts RateOptions) error {
	return a.resolveRate(ctx, opts, os.Stdout)
}

func (a *App) resolveRate(ctx context.Context, opts RateOptions, out io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()
	}
	if opts.Persist && store == nil {
		return fmt.Errorf("database.dsn not configured; cannot persist rate")
	}

	cache, closeCache, err := a.openCache(ctx, store)
	if err != nil {
		return err
	}
	defer closeCache()

	res := a.newResolver(cache)

	var quote trm.Quote
	if opts.Persist {
		svc := service.New(a.Config, nil, nil, store, res, nil, nil, a.Logger)
		if quote, err = svc.RecordRate(ctx, opts.Date); err != nil {
			return err
		}
	} else {
		quote = res.Resolve(ctx, opts.Date)
	}

	fmt.Fprintf(out, "%s\t%s\t%s\n", trm.DateKey(quote.Date, a.location()), quote.Value.StringFixed(2), quote.Source)
	return nil
}

// ClearCache drops cached rates, either one date or every entry.
func (a *App) ClearCache(ctx context.Context, opts CacheClearOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store != nil {
		defer closeStore()
	}

	cache, closeCache, err := a.openCache(ctx, store)
	if err != nil {
		return err
	}
	defer closeCache()

	if opts.Date != nil {
		if err := cache.ClearOne(ctx, *opts.Date); err != nil {
			return err
		}
		a.Logger.Info().Str("date", trm.DateKey(*opts.Date, a.location())).Msg("cache entry cleared")
		return nil
	}

	return cache.Clear(ctx, opts.Emergency)
}

// Migrate applies the SQL migrations from database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("database.dsn not configured; cannot migrate")
	}
	defer closeStore()

	applied, err := store.ApplyMigrations(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("files", len(applied)).Msg("migrations applied")
	return nil
}
