package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"trm-dispatch-stats/internal/fetcher"
	"trm-dispatch-stats/internal/ratecache"
	"trm-dispatch-stats/internal/trm"
)

var loc = time.FixedZone("COT", -5*3600)

type stubClock struct{ now time.Time }

func (s stubClock) Now() time.Time { return s.now }

type stubSource struct {
	name  trm.Source
	value decimal.Decimal
	err   error
	calls int32
	gate  chan struct{}
	enter chan struct{}
}

func (s *stubSource) Name() trm.Source { return s.name }

func (s *stubSource) FetchRate(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.enter != nil {
		select {
		case s.enter <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	return s.value, s.err
}

func (s *stubSource) Calls() int { return int(atomic.LoadInt32(&s.calls)) }

type recordingObserver struct {
	mu       sync.Mutex
	resolved []trm.Quote
	failures []fetcher.ErrorKind
}

func (o *recordingObserver) RateResolved(q trm.Quote) {
	o.mu.Lock()
	o.resolved = append(o.resolved, q)
	o.mu.Unlock()
}

func (o *recordingObserver) SourceFailed(_ trm.Source, kind fetcher.ErrorKind) {
	o.mu.Lock()
	o.failures = append(o.failures, kind)
	o.mu.Unlock()
}

func failing(name trm.Source) *stubSource {
	return &stubSource{name: name, err: &fetcher.SourceError{Source: name, Kind: fetcher.KindTransport, Err: errors.New("down")}}
}

func succeeding(name trm.Source, v int64) *stubSource {
	return &stubSource{name: name, value: decimal.NewFromInt(v)}
}

func newCache(kv ratecache.KV) *ratecache.Cache {
	clock := stubClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, loc)}
	return ratecache.New(kv, clock, ratecache.Options{Location: loc}, zerolog.Nop())
}

func day(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, loc) }

func TestPersistentHitSkipsSources(t *testing.T) {
	ctx := context.Background()
	clock := stubClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, loc)}
	kv := ratecache.NewMemoryKV(clock)
	require.NoError(t, newCache(kv).Put(ctx, day(8), decimal.NewFromInt(4050), trm.SourcePrimary))

	primary := succeeding(trm.SourcePrimary, 4100)
	secondary := succeeding(trm.SourceSecondary, 4200)
	r := New(newCache(kv), []fetcher.RateSource{primary, secondary}, zerolog.Nop(), WithLocation(loc))

	q := r.Resolve(ctx, day(8))
	require.Equal(t, trm.SourceCache, q.Source)
	require.True(t, q.Value.Equal(decimal.NewFromInt(4050)))
	require.Zero(t, primary.Calls())
	require.Zero(t, secondary.Calls())
}

func TestSubThresholdCacheEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	cache := &fakeCache{entries: map[string]ratecache.Entry{
		"2024-03-08": {Date: "2024-03-08", Value: decimal.NewFromInt(3800), Tier: ratecache.TierPersistent},
	}}
	primary := succeeding(trm.SourcePrimary, 4100)
	r := New(cache, []fetcher.RateSource{primary}, zerolog.Nop(), WithLocation(loc))

	q := r.Resolve(ctx, day(8))
	require.Equal(t, trm.SourcePrimary, q.Source)
	require.Equal(t, 1, primary.Calls())
}

func TestPrimarySuccessWritesCacheAndLastKnownGood(t *testing.T) {
	ctx := context.Background()
	cache := newCache(nil)
	primary := succeeding(trm.SourcePrimary, 4100)
	secondary := succeeding(trm.SourceSecondary, 4200)
	r := New(cache, []fetcher.RateSource{primary, secondary}, zerolog.Nop(), WithLocation(loc))

	q := r.Resolve(ctx, day(8))
	require.Equal(t, trm.SourcePrimary, q.Source)
	require.Zero(t, secondary.Calls())

	entry, ok := cache.Get(ctx, day(8))
	require.True(t, ok)
	require.True(t, entry.Value.Equal(decimal.NewFromInt(4100)))

	lkg, ok := cache.LastKnownGood(ctx)
	require.True(t, ok)
	require.Equal(t, trm.SourcePrimary, lkg.Source)

	q = r.Resolve(ctx, day(8))
	require.Equal(t, trm.SourceCache, q.Source)
	require.Equal(t, 1, primary.Calls())
}

func TestFallsThroughToSecondary(t *testing.T) {
	obs := &recordingObserver{}
	primary := failing(trm.SourcePrimary)
	secondary := succeeding(trm.SourceSecondary, 4200)
	r := New(newCache(nil), []fetcher.RateSource{primary, secondary}, zerolog.Nop(), WithLocation(loc), WithObserver(obs))

	q := r.Resolve(context.Background(), day(8))
	require.Equal(t, trm.SourceSecondary, q.Source)
	require.True(t, q.Value.Equal(decimal.NewFromInt(4200)))
	require.Equal(t, []fetcher.ErrorKind{fetcher.KindTransport}, obs.failures)
}

func TestOutOfRangeSourceValueIsFailure(t *testing.T) {
	obs := &recordingObserver{}
	primary := succeeding(trm.SourcePrimary, 12)
	secondary := succeeding(trm.SourceSecondary, 4200)
	r := New(newCache(nil), []fetcher.RateSource{primary, secondary}, zerolog.Nop(), WithLocation(loc), WithObserver(obs))

	q := r.Resolve(context.Background(), day(8))
	require.Equal(t, trm.SourceSecondary, q.Source)
	require.Equal(t, []fetcher.ErrorKind{fetcher.KindOutOfRange}, obs.failures)
}

func TestEmergencyThenDefault(t *testing.T) {
	ctx := context.Background()
	cache := newCache(nil)
	require.NoError(t, cache.SaveLastKnownGood(ctx, day(1), decimal.NewFromInt(3990), trm.SourcePrimary))

	r := New(cache, []fetcher.RateSource{failing(trm.SourcePrimary), failing(trm.SourceSecondary)}, zerolog.Nop(), WithLocation(loc))
	q := r.Resolve(ctx, day(8))
	require.Equal(t, trm.SourceEmergency, q.Source)
	require.True(t, q.Value.Equal(decimal.NewFromInt(3990)))

	require.NoError(t, cache.Clear(ctx, true))
	q = r.Resolve(ctx, day(8))
	require.Equal(t, trm.SourceDefault, q.Source)
	require.True(t, q.Value.Equal(decimal.NewFromInt(4000)))
}

func TestResolveNeverFailsWithoutCollaborators(t *testing.T) {
	r := New(nil, nil, zerolog.Nop())
	for d := 1; d <= 31; d++ {
		q := r.Resolve(context.Background(), day(d))
		require.True(t, q.Value.IsPositive())
	}
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	primary := succeeding(trm.SourcePrimary, 4100)
	primary.gate = make(chan struct{})
	primary.enter = make(chan struct{}, 1)
	r := New(newCache(nil), []fetcher.RateSource{primary}, zerolog.Nop(), WithLocation(loc))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]trm.Quote, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), day(8))
		}(i)
	}

	<-primary.enter
	time.Sleep(50 * time.Millisecond)
	close(primary.gate)
	wg.Wait()

	require.Equal(t, 1, primary.Calls())
	for _, q := range results {
		require.True(t, q.Value.Equal(decimal.NewFromInt(4100)))
	}
}

type fakeCache struct {
	entries map[string]ratecache.Entry
}

func (f *fakeCache) Get(_ context.Context, date time.Time) (ratecache.Entry, bool) {
	e, ok := f.entries[trm.DateKey(date, loc)]
	return e, ok
}

func (f *fakeCache) Put(context.Context, time.Time, decimal.Decimal, trm.Source) error { return nil }

func (f *fakeCache) LastKnownGood(context.Context) (ratecache.LastKnownGood, bool) {
	return ratecache.LastKnownGood{}, false
}

func (f *fakeCache) SaveLastKnownGood(context.Context, time.Time, decimal.Decimal, trm.Source) error {
	return nil
}
