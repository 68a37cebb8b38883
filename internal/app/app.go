package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"trm-dispatch-stats/internal/alerting"
	"trm-dispatch-stats/internal/config"
	"trm-dispatch-stats/internal/fetcher"
	"trm-dispatch-stats/internal/metrics"
	"trm-dispatch-stats/internal/ratecache"
	"trm-dispatch-stats/internal/resolver"
	"trm-dispatch-stats/internal/scheduler"
	"trm-dispatch-stats/internal/service"
	"trm-dispatch-stats/internal/statistics"
	"trm-dispatch-stats/internal/storage"
	"trm-dispatch-stats/internal/trm"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) location() *time.Location {
	return a.Config.Rates.Location()
}

func (a *App) newSources() []fetcher.RateSource {
	loc := a.location()
	sources := make([]fetcher.RateSource, 0, 2)
	if a.Config.Primary.Enabled {
		sources = append(sources, fetcher.NewPrimary(fetcher.PrimaryOptions{
			Endpoint:   a.Config.Primary.Endpoint,
			SOAPAction: a.Config.Primary.SOAPAction,
			Timeout:    a.Config.Primary.Timeout,
			UserAgent:  a.Config.Primary.UserAgent,
			Location:   loc,
		}, a.Logger))
	}
	if a.Config.Secondary.CacheDir == "" {
		a.Logger.Warn().Msg("secondary.cache_dir is empty; every secondary lookup queries the API")
	}
	sources = append(sources, fetcher.NewSecondary(fetcher.SecondaryOptions{
		BaseURL:    a.Config.Secondary.BaseURL,
		APIKey:     a.Config.Secondary.APIKey,
		FromSymbol: a.Config.Secondary.FromSymbol,
		ToSymbol:   a.Config.Secondary.ToSymbol,
		Timeout:    a.Config.Secondary.Timeout,
		UserAgent:  a.Config.Secondary.UserAgent,
		CacheDir:   a.Config.Secondary.CacheDir,
		Location:   loc,
	}, trm.SystemClock{}, a.Logger))
	return sources
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.location())
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openCache connects the persistent tier: redis when configured, otherwise the
// rate_cache table of store, and process memory when neither is available or
// memory_only is set.
func (a *App) openCache(ctx context.Context, store *storage.Store) (*ratecache.Cache, func(), error) {
	rc := a.Config.Redis
	opts := ratecache.Options{
		KeyPrefix: rc.KeyPrefix,
		Location:  a.location(),
		PastTTL:   a.Config.Rates.PastTTL,
		FutureTTL: a.Config.Rates.FutureTTL,
		Bounds:    a.Config.Rates.Bounds(),
	}

	switch {
	case a.Config.Rates.MemoryOnly:
		return ratecache.New(nil, trm.SystemClock{}, opts, a.Logger), func() {}, nil
	case rc.Addr == "" && store != nil:
		a.Logger.Info().Msg("redis.addr not configured; rate cache persisted in postgres")
		return ratecache.New(store.CacheKV(), trm.SystemClock{}, opts, a.Logger), func() {}, nil
	case rc.Addr == "":
		a.Logger.Warn().Msg("redis.addr and database.dsn not configured; rate cache is process-local")
		return ratecache.New(nil, trm.SystemClock{}, opts, a.Logger), func() {}, nil
	}

	kv, err := ratecache.NewRedisKV(ctx, ratecache.RedisConfig{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := kv.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close redis client")
		}
	}
	return ratecache.New(kv, trm.SystemClock{}, opts, a.Logger), closer, nil
}

func (a *App) newResolver(cache resolver.Cache, observers ...resolver.Observer) *resolver.Resolver {
	opts := []resolver.Option{
		resolver.WithBounds(a.Config.Rates.Bounds()),
		resolver.WithLocation(a.location()),
	}
	for _, o := range observers {
		opts = append(opts, resolver.WithObserver(o))
	}
	return resolver.New(cache, a.newSources(), a.Logger, opts...)
}

func (a *App) newAggregator(source statistics.Source, quotes *resolver.Resolver) (*statistics.Aggregator, error) {
	opts := []statistics.Option{
		statistics.WithLocation(a.location()),
		statistics.WithBounds(a.Config.Rates.Bounds()),
		statistics.WithPlanning(a.Config.Statistics.PlanningBusinessDays, a.Config.Statistics.LookupBufferDays),
		statistics.WithLogger(a.Logger),
	}
	if quotes != nil {
		opts = append(opts, statistics.WithQuoteResolver(quotes))
	}
	return statistics.NewAggregator(source, opts...)
}

// pipeline bundles the components shared by run, recompute and backfill.
type pipeline struct {
	store    *storage.Store
	resolver *resolver.Resolver
	service  *service.Service
	metrics  *metrics.Collector
	degraded *alerting.DegradedRateObserver
	close    func()
}

func (a *App) openPipeline(ctx context.Context, sched *scheduler.Scheduler) (*pipeline, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("database.dsn not configured; cannot compute statistics")
	}

	cache, closeCache, err := a.openCache(ctx, store)
	if err != nil {
		closeStore()
		return nil, err
	}

	collector := metrics.New()
	notifier := a.newNotifier()
	observers := []resolver.Observer{collector}
	var degraded *alerting.DegradedRateObserver
	if notifier != nil {
		degraded = alerting.NewDegradedRateObserver(notifier, a.Config.Alerting.Timeout, a.location(), a.Logger)
		observers = append(observers, degraded)
	}
	res := a.newResolver(cache, observers...)

	agg, err := a.newAggregator(store, res)
	if err != nil {
		closeCache()
		closeStore()
		return nil, err
	}

	svc := service.New(a.Config, sched, agg, store, res, notifier, collector, a.Logger)
	return &pipeline{
		store:    store,
		resolver: res,
		service:  svc,
		metrics:  collector,
		degraded: degraded,
		close: func() {
			if degraded != nil {
				degraded.Wait()
			}
			closeCache()
			closeStore()
		},
	}, nil
}

// Run executes the long-running recompute service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToStart,
		Offset:         a.Config.Scheduler.Offset,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
		Location:       a.location(),
	}, a.Logger)

	p, err := a.openPipeline(ctx, sched)
	if err != nil {
		return err
	}
	defer p.close()

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		srv := a.metricsServer(addr, p.metrics)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a.Logger.Info().Msg("starting recompute service")
	err = p.service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("recompute service stopped")
	return nil
}

func (a *App) metricsServer(addr string, collector *metrics.Collector) *http.Server {
	path := a.Config.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// RecomputeOptions configure a single-day recomputation.
type RecomputeOptions struct {
	Date time.Time
}

// ExportOptions hold parameters for exporting snapshots.
type ExportOptions struct {
	From     *time.Time
	To       *time.Time
	PNGPath  string
	CSVPath  string
	XLSXPath string
	PDFPath  string
	MaxRows  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Runs  bool
	Date  *time.Time
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

// RateOptions configure rate resolution from the CLI.
type RateOptions struct {
	Date    time.Time
	Persist bool
}

// CacheClearOptions configure the cache clear command.
type CacheClearOptions struct {
	Date      *time.Time
	Emergency bool
}
