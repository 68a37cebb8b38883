package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/trm"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertHistoricalRateSQL = `INSERT INTO historical_rates (
        rate_date,
        value,
        source
    ) VALUES (
        $1::date,$2,$3
    )
    ON CONFLICT (rate_date) DO UPDATE
    SET value      = EXCLUDED.value,
        source     = EXCLUDED.source,
        updated_at = now();`

	listHistoricalRatesSQL = `SELECT
        to_char(rate_date, 'YYYY-MM-DD'),
        value,
        source,
        updated_at
    FROM historical_rates
    WHERE rate_date >= $1::date
      AND rate_date <= $2::date
    ORDER BY rate_date;`

	insertRunSQL = `INSERT INTO recompute_runs (
        stat_date,
        status,
        error,
        duration_ms
    ) VALUES (
        $1::date,$2,$3,$4
    )
    RETURNING id, created_at;`

	listRecentRunsSQL = `SELECT
        id,
        to_char(stat_date, 'YYYY-MM-DD'),
        status,
        error,
        duration_ms,
        created_at
    FROM recompute_runs
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteRunsBeforeSQL = `DELETE FROM recompute_runs WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// HistoricalRateStore defines operations on the per-date rate table.
type HistoricalRateStore interface {
	UpsertHistoricalRate(ctx context.Context, rate HistoricalRate) error
	ListHistoricalRates(ctx context.Context, from, to time.Time) ([]HistoricalRate, error)
}

// RunStore defines operations for recompute auditing.
type RunStore interface {
	InsertRun(ctx context.Context, run RecomputeRun) (RecomputeRun, error)
	ListRecentRuns(ctx context.Context, limit int) ([]RecomputeRun, error)
	DeleteRunsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to orders, dispatch events, rates and snapshots.
type Store struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewStore wires a pgx pool into a Store. loc defines the calendar used for
// date columns.
func NewStore(pool *pgxpool.Pool, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{pool: pool, loc: loc}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

func (s *Store) dateKey(t time.Time) string {
	return trm.DateKey(t, s.loc)
}

func (s *Store) parseDate(key string) (time.Time, error) {
	d, err := trm.ParseDate(key, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", key, err)
	}
	return d, nil
}

// UpsertHistoricalRate persists or updates the rate for one date.
func (s *Store) UpsertHistoricalRate(ctx context.Context, rate HistoricalRate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertHistoricalRateSQL, s.dateKey(rate.Date), rate.Value.String(), rate.Source); execErr != nil {
		return fmt.Errorf("upsert historical rate: %w", execErr)
	}
	return nil
}

// ListHistoricalRates lists rates for the calendar dates of from through to.
func (s *Store) ListHistoricalRates(ctx context.Context, from, to time.Time) ([]HistoricalRate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHistoricalRatesSQL, s.dateKey(from), s.dateKey(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list historical rates: %w", queryErr)
	}
	defer rows.Close()

	rates := make([]HistoricalRate, 0)
	for rows.Next() {
		var (
			dateStr, valueStr, source string
			updatedAt                 time.Time
		)
		if scanErr := rows.Scan(&dateStr, &valueStr, &source, &updatedAt); scanErr != nil {
			return nil, scanErr
		}
		date, parseErr := s.parseDate(dateStr)
		if parseErr != nil {
			return nil, parseErr
		}
		value, parseErr := decimal.NewFromString(valueStr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse historical rate: %w", parseErr)
		}
		rates = append(rates, HistoricalRate{Date: date, Value: value, Source: source, UpdatedAt: updatedAt})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rates, nil
}

// HistoricalRates returns the stored rates keyed by calendar date.
func (s *Store) HistoricalRates(ctx context.Context, from, to time.Time) (map[string]decimal.Decimal, error) {
	rates, err := s.ListHistoricalRates(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rates))
	for _, r := range rates {
		out[s.dateKey(r.Date)] = r.Value
	}
	return out, nil
}

// InsertRun records a recompute attempt.
func (s *Store) InsertRun(ctx context.Context, run RecomputeRun) (RecomputeRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return RecomputeRun{}, err
	}

	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}

	row := pool.QueryRow(ctx, insertRunSQL, s.dateKey(run.Date), run.Status, errMsg, run.DurationMS)
	if scanErr := row.Scan(&run.ID, &run.CreatedAt); scanErr != nil {
		return RecomputeRun{}, fmt.Errorf("insert recompute run: %w", scanErr)
	}
	return run, nil
}

// ListRecentRuns lists the most recent recompute attempts.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RecomputeRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]RecomputeRun, 0, limit)
	for rows.Next() {
		run, scanErr := s.scanRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

// DeleteRunsBefore purges audit rows older than the cutoff.
func (s *Store) DeleteRunsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteRunsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete runs before: %w", execErr)
	}
	return nil
}

func (s *Store) scanRun(rows pgx.Rows) (RecomputeRun, error) {
	var (
		run     RecomputeRun
		dateStr string
		errMsg  sql.NullString
	)
	if err := rows.Scan(&run.ID, &dateStr, &run.Status, &errMsg, &run.DurationMS, &run.CreatedAt); err != nil {
		return RecomputeRun{}, err
	}
	date, err := s.parseDate(dateStr)
	if err != nil {
		return RecomputeRun{}, err
	}
	run.Date = date
	if errMsg.Valid {
		msg := errMsg.String
		run.Error = &msg
	}
	return run, nil
}
