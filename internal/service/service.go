package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trm-dispatch-stats/internal/alerting"
	"trm-dispatch-stats/internal/config"
	"trm-dispatch-stats/internal/metrics"
	"trm-dispatch-stats/internal/scheduler"
	"trm-dispatch-stats/internal/statistics"
	"trm-dispatch-stats/internal/storage"
	"trm-dispatch-stats/internal/trm"
)

// ErrLockHeld indicates another instance holds the recompute lock.
var ErrLockHeld = errors.New("service: advisory lock held elsewhere")

// Computer produces the snapshot of one day.
type Computer interface {
	Compute(ctx context.Context, day time.Time) (statistics.Snapshot, error)
}

// SnapshotWriter atomically replaces the snapshot of one day.
type SnapshotWriter interface {
	ReplaceSnapshot(ctx context.Context, snap statistics.Snapshot) error
}

// RateResolver resolves the reference rate of a date.
type RateResolver interface {
	Resolve(ctx context.Context, date time.Time) trm.Quote
}

// RecomputeObserver records recompute outcomes.
type RecomputeObserver interface {
	ObserveRecompute(result string, elapsed time.Duration)
}

// BackfillReport summarizes a range recomputation.
type BackfillReport struct {
	Succeeded int
	Failed    map[string]error
}

// Service orchestrates recomputation, persistence, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	computer  Computer
	store     SnapshotWriter
	rates     RateResolver
	notifier  alerting.Notifier
	metrics   RecomputeObserver
	logger    zerolog.Logger

	runs         storage.RunStore
	history      storage.HistoricalRateStore
	locker       storage.AdvisoryLocker
	lockKey      int64
	recordRates  bool
	runRetention time.Duration
	loc          *time.Location
	clock        trm.Clock
}

// New constructs the recompute service. store may additionally implement
// storage.RunStore, storage.HistoricalRateStore and storage.AdvisoryLocker.
func New(cfg *config.Config, sched *scheduler.Scheduler, computer Computer, store SnapshotWriter, rates RateResolver, notifier alerting.Notifier, observer RecomputeObserver, logger zerolog.Logger) *Service {
	s := &Service{
		scheduler:    sched,
		computer:     computer,
		store:        store,
		rates:        rates,
		notifier:     notifier,
		metrics:      observer,
		logger:       logger.With().Str("component", "service").Logger(),
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		recordRates:  cfg.Scheduler.RecordRates,
		runRetention: cfg.Scheduler.RunRetention,
		loc:          cfg.Rates.Location(),
		clock:        trm.SystemClock{},
	}
	if l, ok := store.(storage.AdvisoryLocker); ok {
		s.locker = l
	}
	if r, ok := store.(storage.RunStore); ok {
		s.runs = r
	}
	if h, ok := store.(storage.HistoricalRateStore); ok {
		s.history = h
	}
	return s
}

// WithClock replaces the clock used for audit retention.
func (s *Service) WithClock(c trm.Clock) *Service {
	if c != nil {
		s.clock = c
	}
	return s
}

// Run begins the aligned recompute loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 重算 bucket 前一天与当天的统计快照。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	today := trm.StartOfDay(bucket, s.loc)
	if s.recordRates {
		if _, err := s.RecordRate(ctx, today); err != nil {
			s.logger.Error().Err(err).Str("date", trm.DateKey(today, s.loc)).Msg("failed to record historical rate")
		}
	}

	var errs []error
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		if _, err := s.recompute(ctx, day); err != nil {
			errs = append(errs, err)
		}
	}
	s.purgeRuns(ctx)
	return errors.Join(errs...)
}

// RecomputeDay recomputes one day under the advisory lock.
func (s *Service) RecomputeDay(ctx context.Context, day time.Time) (statistics.Snapshot, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return statistics.Snapshot{}, err
	}
	if !proceed {
		return statistics.Snapshot{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}
	return s.recompute(ctx, day)
}

// Backfill recomputes every day from through to, continuing past failed days.
func (s *Service) Backfill(ctx context.Context, from, to time.Time) (BackfillReport, error) {
	report := BackfillReport{Failed: make(map[string]error)}
	from = trm.StartOfDay(from, s.loc)
	to = trm.StartOfDay(to, s.loc)
	if to.Before(from) {
		return report, fmt.Errorf("backfill range end %s before start %s", trm.DateKey(to, s.loc), trm.DateKey(from, s.loc))
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		return report, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := s.recompute(ctx, day); err != nil {
			report.Failed[trm.DateKey(day, s.loc)] = err
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

// RecordRate resolves the rate of day and stores it in the historical table.
// Fallback values are not stored.
func (s *Service) RecordRate(ctx context.Context, day time.Time) (trm.Quote, error) {
	if s.rates == nil {
		return trm.Quote{}, fmt.Errorf("rate resolver not configured")
	}
	q := s.rates.Resolve(ctx, trm.StartOfDay(day, s.loc))
	if s.history == nil || q.Source == trm.SourceEmergency || q.Source == trm.SourceDefault {
		return q, nil
	}
	if err := s.history.UpsertHistoricalRate(ctx, storage.HistoricalRate{Date: q.Date, Value: q.Value, Source: string(q.Source)}); err != nil {
		return q, err
	}
	return q, nil
}

func (s *Service) recompute(ctx context.Context, day time.Time) (statistics.Snapshot, error) {
	day = trm.StartOfDay(day, s.loc)
	key := trm.DateKey(day, s.loc)
	start := time.Now()

	snap, err := s.computer.Compute(ctx, day)
	if err == nil && s.store != nil {
		if werr := s.store.ReplaceSnapshot(ctx, snap); werr != nil {
			err = fmt.Errorf("store snapshot: %w", werr)
		}
	}
	elapsed := time.Since(start)
	s.audit(ctx, day, elapsed, err)

	if err != nil {
		if s.metrics != nil {
			s.metrics.ObserveRecompute(metrics.ResultError, elapsed)
		}
		s.logger.Error().Err(err).Str("date", key).Dur("elapsed", elapsed).Msg("recompute failed")
		s.notifyFailure(ctx, day, err)
		return statistics.Snapshot{}, fmt.Errorf("recompute %s: %w", key, err)
	}

	if s.metrics != nil {
		s.metrics.ObserveRecompute(metrics.ResultSuccess, elapsed)
	}
	s.logger.Info().
		Str("date", key).
		Dur("elapsed", elapsed).
		Int("orders_created", snap.OrdersCreated).
		Int("dispatch_events", snap.DispatchEvents).
		Str("average_trm", snap.AverageTRM.String()).
		Msg("snapshot recomputed")
	return snap, nil
}

func (s *Service) audit(ctx context.Context, day time.Time, elapsed time.Duration, err error) {
	if s.runs == nil {
		return
	}
	run := storage.RecomputeRun{Date: day, Status: storage.RunSucceeded, DurationMS: elapsed.Milliseconds()}
	if err != nil {
		msg := err.Error()
		run.Status = storage.RunFailed
		run.Error = &msg
	}
	if _, insertErr := s.runs.InsertRun(ctx, run); insertErr != nil {
		s.logger.Error().Err(insertErr).Str("date", trm.DateKey(day, s.loc)).Msg("failed to persist recompute run")
	}
}

func (s *Service) purgeRuns(ctx context.Context) {
	if s.runs == nil || s.runRetention <= 0 {
		return
	}
	if err := s.runs.DeleteRunsBefore(ctx, s.clock.Now().Add(-s.runRetention)); err != nil {
		s.logger.Error().Err(err).Msg("failed to purge recompute runs")
	}
}

func (s *Service) notifyFailure(ctx context.Context, day time.Time, err error) {
	if s.notifier == nil {
		return
	}
	note := alerting.Notification{Kind: alerting.KindRecomputeFailed, Date: day, Err: err.Error()}
	if nerr := s.notifier.Notify(ctx, note); nerr != nil {
		s.logger.Error().Err(nerr).Str("date", trm.DateKey(day, s.loc)).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		if s.metrics != nil {
			s.metrics.ObserveRecompute(metrics.ResultSkipped, 0)
		}
		return nil, false, nil
	}
	return unlock, true, nil
}
