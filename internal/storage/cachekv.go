package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"trm-dispatch-stats/internal/ratecache"
)

const (
	getCacheEntrySQL = `SELECT value
    FROM rate_cache
    WHERE cache_key = $1
      AND (expires_at IS NULL OR expires_at > $2);`

	upsertCacheEntrySQL = `INSERT INTO rate_cache (
        cache_key,
        value,
        expires_at
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (cache_key) DO UPDATE
    SET value      = EXCLUDED.value,
        expires_at = EXCLUDED.expires_at,
        updated_at = now();`

	deleteCacheEntriesSQL = `DELETE FROM rate_cache WHERE cache_key = ANY($1);`

	deleteCachePrefixSQL = `DELETE FROM rate_cache WHERE left(cache_key, length($1)) = $1;`
)

// CacheKV is the rate cache's persistent tier kept in the rate_cache table.
// It serves deployments without redis so the last known good rate survives
// restarts.
type CacheKV struct {
	store *Store
	now   func() time.Time
}

var _ ratecache.KV = (*CacheKV)(nil)

// CacheKV returns the table-backed cache tier of the store.
func (s *Store) CacheKV() *CacheKV {
	return &CacheKV{store: s, now: time.Now}
}

// Get returns the value of key, or ratecache.ErrMiss when absent or expired.
func (c *CacheKV) Get(ctx context.Context, key string) ([]byte, error) {
	pool, err := c.store.getPool()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = pool.QueryRow(ctx, getCacheEntrySQL, key, c.now()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ratecache.ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cache entry %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key. A zero ttl never expires.
func (c *CacheKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pool, err := c.store.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertCacheEntrySQL, key, value, c.expiry(ttl)); err != nil {
		return fmt.Errorf("set cache entry %s: %w", key, err)
	}
	return nil
}

// Del removes keys.
func (c *CacheKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	pool, err := c.store.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteCacheEntriesSQL, keys); err != nil {
		return fmt.Errorf("delete cache entries: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (c *CacheKV) DeletePrefix(ctx context.Context, prefix string) error {
	pool, err := c.store.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, deleteCachePrefixSQL, prefix); err != nil {
		return fmt.Errorf("delete cache prefix %s: %w", prefix, err)
	}
	return nil
}

func (c *CacheKV) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := c.now().Add(ttl)
	return &at
}
