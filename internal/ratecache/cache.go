// Package ratecache implements the two-tier reference-rate cache: an
// in-process map in front of a persistent key/value store with per-entry
// expiry. It never fetches; misses are reported to the caller.
package ratecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/trm"
)

// ErrInvalidValue rejects writes of implausible rates.
var ErrInvalidValue = errors.New("ratecache: value outside valid bounds")

const (
	DefaultPastTTL   = 30 * 24 * time.Hour
	DefaultFutureTTL = time.Hour
	DefaultKeyPrefix = "trmstats:"

	rateKeySegment    = "rate:"
	lastKnownGoodName = "last_known_good"
)

// Tier reports which cache level served an entry.
type Tier string

const (
	TierMemory     Tier = "memory"
	TierPersistent Tier = "persistent"
)

// DateClass is the TTL classification of a cached date.
type DateClass int

const (
	DatePast DateClass = iota
	DateToday
	DateFuture
)

// Entry is one cached rate.
type Entry struct {
	Date      string          `json:"date"`
	Value     decimal.Decimal `json:"value"`
	Source    trm.Source      `json:"source"`
	ExpiresAt time.Time       `json:"expires_at"`
	Tier      Tier            `json:"-"`
}

// LastKnownGood is the emergency rate kept without expiry.
type LastKnownGood struct {
	Value   decimal.Decimal `json:"value"`
	Date    string          `json:"date"`
	Source  trm.Source      `json:"source"`
	SavedAt time.Time       `json:"saved_at"`
}

// Options tune cache behaviour.
type Options struct {
	KeyPrefix string
	Location  *time.Location
	PastTTL   time.Duration
	FutureTTL time.Duration
	Bounds    trm.Bounds
}

// Cache is safe for concurrent use.
type Cache struct {
	kv     KV
	clock  trm.Clock
	opts   Options
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Entry
}

// New constructs a Cache. A nil kv falls back to a process-local MemoryKV.
func New(kv KV, clock trm.Clock, opts Options, logger zerolog.Logger) *Cache {
	if clock == nil {
		clock = trm.SystemClock{}
	}
	if kv == nil {
		kv = NewMemoryKV(clock)
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.PastTTL <= 0 {
		opts.PastTTL = DefaultPastTTL
	}
	if opts.FutureTTL <= 0 {
		opts.FutureTTL = DefaultFutureTTL
	}
	if opts.Bounds.Max.IsZero() {
		opts.Bounds = trm.DefaultBounds()
	}

	return &Cache{
		kv:      kv,
		clock:   clock,
		opts:    opts,
		logger:  logger.With().Str("component", "rate_cache").Logger(),
		entries: make(map[string]Entry),
	}
}

// Classify places date relative to the current local day.
func Classify(date, now time.Time, loc *time.Location) DateClass {
	day := trm.StartOfDay(date, loc)
	today := trm.StartOfDay(now, loc)
	switch {
	case day.Before(today):
		return DatePast
	case day.Equal(today):
		return DateToday
	default:
		return DateFuture
	}
}

// ExpiryFor computes the expiry of an entry for date created at now.
// Past dates live PastTTL, today lives until the next local midnight and
// future dates live FutureTTL.
func (c *Cache) ExpiryFor(date, now time.Time) time.Time {
	switch Classify(date, now, c.opts.Location) {
	case DatePast:
		return now.Add(c.opts.PastTTL)
	case DateToday:
		return trm.StartOfDay(now, c.opts.Location).AddDate(0, 0, 1)
	default:
		return now.Add(c.opts.FutureTTL)
	}
}

// Get checks the in-process map, then the persistent store. Expired entries
// are misses. A persistent hit repopulates the in-process map.
func (c *Cache) Get(ctx context.Context, date time.Time) (Entry, bool) {
	key := trm.DateKey(date, c.opts.Location)
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		if now.Before(entry.ExpiresAt) {
			entry.Tier = TierMemory
			return entry, true
		}
		c.mu.Lock()
		if current, still := c.entries[key]; still && !now.Before(current.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}

	data, err := c.kv.Get(ctx, c.rateKey(key))
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn().Err(err).Str("date", key).Msg("persistent cache read failed")
		}
		return Entry{}, false
	}

	var stored Entry
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warn().Err(err).Str("date", key).Msg("dropping corrupt cache entry")
		_ = c.kv.Del(ctx, c.rateKey(key))
		return Entry{}, false
	}
	if !stored.ExpiresAt.IsZero() && !now.Before(stored.ExpiresAt) {
		return Entry{}, false
	}

	if c.opts.Bounds.Accepts(stored.Value) {
		c.mu.Lock()
		c.entries[key] = stored
		c.mu.Unlock()
	}

	stored.Tier = TierPersistent
	return stored, true
}

// Put writes value to both tiers with the TTL for date's classification.
// Values outside the valid bounds are never stored.
func (c *Cache) Put(ctx context.Context, date time.Time, value decimal.Decimal, source trm.Source) error {
	if !c.opts.Bounds.Accepts(value) {
		return fmt.Errorf("%w: %s", ErrInvalidValue, value)
	}

	key := trm.DateKey(date, c.opts.Location)
	now := c.clock.Now()
	entry := Entry{
		Date:      key,
		Value:     value,
		Source:    source,
		ExpiresAt: c.ExpiryFor(date, now),
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	ttl := entry.ExpiresAt.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := c.kv.Set(ctx, c.rateKey(key), data, ttl); err != nil {
		return fmt.Errorf("persist cache entry %s: %w", key, err)
	}

	c.logger.Debug().Str("date", key).Str("source", string(source)).Time("expires_at", entry.ExpiresAt).Msg("rate cached")
	return nil
}

// Clear drops every cached date, and the last-known-good rate when includeEmergency is set.
func (c *Cache) Clear(ctx context.Context, includeEmergency bool) error {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	if err := c.kv.DeletePrefix(ctx, c.opts.KeyPrefix+rateKeySegment); err != nil {
		return fmt.Errorf("clear persistent cache: %w", err)
	}
	if includeEmergency {
		if err := c.kv.Del(ctx, c.emergencyKey()); err != nil {
			return fmt.Errorf("clear last known good: %w", err)
		}
	}

	c.logger.Info().Bool("emergency", includeEmergency).Msg("rate cache cleared")
	return nil
}

// ClearOne drops a single date from both tiers.
func (c *Cache) ClearOne(ctx context.Context, date time.Time) error {
	key := trm.DateKey(date, c.opts.Location)

	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if err := c.kv.Del(ctx, c.rateKey(key)); err != nil {
		return fmt.Errorf("clear cache entry %s: %w", key, err)
	}
	return nil
}

// LastKnownGood returns the emergency rate, if one was saved.
func (c *Cache) LastKnownGood(ctx context.Context) (LastKnownGood, bool) {
	data, err := c.kv.Get(ctx, c.emergencyKey())
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Warn().Err(err).Msg("last known good read failed")
		}
		return LastKnownGood{}, false
	}

	var lkg LastKnownGood
	if err := json.Unmarshal(data, &lkg); err != nil {
		c.logger.Warn().Err(err).Msg("corrupt last known good record")
		return LastKnownGood{}, false
	}
	return lkg, true
}

// SaveLastKnownGood overwrites the emergency rate.
func (c *Cache) SaveLastKnownGood(ctx context.Context, date time.Time, value decimal.Decimal, source trm.Source) error {
	if !c.opts.Bounds.Accepts(value) {
		return fmt.Errorf("%w: %s", ErrInvalidValue, value)
	}

	lkg := LastKnownGood{
		Value:   value,
		Date:    trm.DateKey(date, c.opts.Location),
		Source:  source,
		SavedAt: c.clock.Now(),
	}
	data, err := json.Marshal(lkg)
	if err != nil {
		return fmt.Errorf("marshal last known good: %w", err)
	}
	if err := c.kv.Set(ctx, c.emergencyKey(), data, 0); err != nil {
		return fmt.Errorf("persist last known good: %w", err)
	}
	return nil
}

func (c *Cache) rateKey(dateKey string) string {
	return c.opts.KeyPrefix + rateKeySegment + dateKey
}

func (c *Cache) emergencyKey() string {
	return c.opts.KeyPrefix + lastKnownGoodName
}
