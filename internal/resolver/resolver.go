// Package resolver resolves the reference rate for a calendar date through an
// ordered cascade: cache, primary source, secondary source, last known good,
// static default. Resolution never fails.
package resolver

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"trm-dispatch-stats/internal/fetcher"
	"trm-dispatch-stats/internal/ratecache"
	"trm-dispatch-stats/internal/trm"
)

// Cache is the subset of ratecache.Cache the resolver needs.
type Cache interface {
	Get(ctx context.Context, date time.Time) (ratecache.Entry, bool)
	Put(ctx context.Context, date time.Time, value decimal.Decimal, source trm.Source) error
	LastKnownGood(ctx context.Context) (ratecache.LastKnownGood, bool)
	SaveLastKnownGood(ctx context.Context, date time.Time, value decimal.Decimal, source trm.Source) error
}

// Observer is notified of resolution outcomes.
type Observer interface {
	RateResolved(q trm.Quote)
	SourceFailed(source trm.Source, kind fetcher.ErrorKind)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(r *Resolver) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithBounds overrides the default plausibility window.
func WithBounds(b trm.Bounds) Option {
	return func(r *Resolver) {
		if !b.Max.IsZero() {
			r.bounds = b
		}
	}
}

// WithLocation sets the calendar used to key dates.
func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// Resolver is safe for concurrent use. Concurrent requests for the same date
// share one cascade run.
type Resolver struct {
	cache     Cache
	sources   []fetcher.RateSource
	bounds    trm.Bounds
	loc       *time.Location
	logger    zerolog.Logger
	observers []Observer
	group     singleflight.Group
}

// New constructs a Resolver. Sources are tried in the given order; nil
// sources are skipped.
func New(cache Cache, sources []fetcher.RateSource, logger zerolog.Logger, opts ...Option) *Resolver {
	active := make([]fetcher.RateSource, 0, len(sources))
	for _, src := range sources {
		if src != nil {
			active = append(active, src)
		}
	}

	r := &Resolver{
		cache:   cache,
		sources: active,
		bounds:  trm.DefaultBounds(),
		loc:     time.Local,
		logger:  logger.With().Str("component", "rate_resolver").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a usable rate for date. Callers always get a value > 0.
func (r *Resolver) Resolve(ctx context.Context, date time.Time) trm.Quote {
	day := trm.StartOfDay(date, r.loc)
	key := day.Format(trm.DateLayout)

	// The shared run must not die with whichever caller arrived first.
	shared := context.WithoutCancel(ctx)
	v, _, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(shared, day), nil
	})

	quote := v.(trm.Quote)
	for _, o := range r.observers {
		o.RateResolved(quote)
	}
	return quote
}

func (r *Resolver) resolve(ctx context.Context, day time.Time) trm.Quote {
	key := day.Format(trm.DateLayout)

	if r.cache != nil {
		if entry, ok := r.cache.Get(ctx, day); ok && r.bounds.Accepts(entry.Value) {
			r.logger.Debug().Str("date", key).Str("tier", string(entry.Tier)).Msg("rate served from cache")
			return trm.Quote{Date: day, Value: entry.Value, Source: trm.SourceCache}
		}
	}

	for _, src := range r.sources {
		value, err := src.FetchRate(ctx, day)
		if err != nil {
			r.sourceFailed(key, src.Name(), fetcher.KindOf(err), err)
			continue
		}
		if !r.bounds.Accepts(value) {
			r.sourceFailed(key, src.Name(), fetcher.KindOutOfRange, &fetcher.SourceError{
				Source: src.Name(),
				Kind:   fetcher.KindOutOfRange,
			})
			continue
		}

		r.remember(ctx, day, value, src.Name())
		return trm.Quote{Date: day, Value: value, Source: src.Name()}
	}

	if r.cache != nil {
		if lkg, ok := r.cache.LastKnownGood(ctx); ok && r.bounds.Accepts(lkg.Value) {
			r.logger.Error().Str("date", key).
				Str("value", lkg.Value.String()).
				Str("saved_for", lkg.Date).
				Time("saved_at", lkg.SavedAt).
				Msg("all sources failed; using last known good rate")
			return trm.Quote{Date: day, Value: lkg.Value, Source: trm.SourceEmergency}
		}
	}

	r.logger.Error().Str("date", key).Str("value", r.bounds.Default.String()).Msg("all tiers exhausted; using static default rate")
	return trm.Quote{Date: day, Value: r.bounds.Default, Source: trm.SourceDefault}
}

func (r *Resolver) remember(ctx context.Context, day time.Time, value decimal.Decimal, source trm.Source) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(ctx, day, value, source); err != nil {
		r.logger.Warn().Err(err).Str("date", day.Format(trm.DateLayout)).Msg("cache write failed")
	}
	if err := r.cache.SaveLastKnownGood(ctx, day, value, source); err != nil {
		r.logger.Warn().Err(err).Msg("last known good write failed")
	}
}

func (r *Resolver) sourceFailed(date string, source trm.Source, kind fetcher.ErrorKind, err error) {
	r.logger.Warn().Err(err).
		Str("date", date).
		Str("source", string(source)).
		Str("kind", string(kind)).
		Msg("rate source failed")
	for _, o := range r.observers {
		o.SourceFailed(source, kind)
	}
}
