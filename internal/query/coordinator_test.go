package query

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/clubsync/internal/cache"
	"github.com/kalambet/clubsync/internal/connectivity"
	"github.com/kalambet/clubsync/internal/storage"
)

var ctx = context.Background()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type player struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// countingFetch returns a fetch func that records how often it was called.
type countingFetch struct {
	calls atomic.Int32
	data  []player
	err   error
}

func (f *countingFetch) fetch(ctx context.Context) ([]player, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

type failSetKV struct {
	storage.KV
}

func (failSetKV) Set(context.Context, string, string) error {
	return errors.New("disk full")
}

type harness struct {
	clock  *fakeClock
	kv     *storage.Store
	cache  *cache.Store
	oracle *connectivity.Static
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kv, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	clock := &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	c := cache.New(kv, cache.WithClock(clock.Now))
	oracle := connectivity.NewStatic(true)
	return &harness{
		clock:  clock,
		kv:     kv,
		cache:  c,
		oracle: oracle,
		coord:  NewCoordinator(c, oracle, Config{}),
	}
}

func newQuery(t *testing.T, h *harness, f *countingFetch, opts ...Option) *Query[[]player] {
	t.Helper()
	q, err := New(h.coord, "players.list", map[string]any{"teamId": 5}, f.fetch, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestRun_MissFetchesAndCaches(t *testing.T) {
	h := newHarness(t)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f)

	res := q.Run(ctx)
	if res.IsError {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Status != StatusFetched || res.IsFromCache {
		t.Errorf("status = %s, fromCache = %v", res.Status, res.IsFromCache)
	}
	if len(res.Data) != 1 || res.Data[0].ID != 1 {
		t.Errorf("data = %+v", res.Data)
	}

	if _, ok := h.cache.Get(ctx, q.Key()); !ok {
		t.Error("fetched data was not cached")
	}
}

func TestRun_FreshCacheSkipsNetwork(t *testing.T) {
	h := newHarness(t)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f, WithStaleTime(30*time.Second))

	q.Run(ctx)
	h.clock.Advance(29 * time.Second)
	h.oracle.SetOnline(false) // must not even be consulted

	res := q.Run(ctx)
	if f.calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls.Load())
	}
	if res.Status != StatusFreshCache || !res.IsFromCache || res.IsStale {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_StaleRefetchesWhenOnline(t *testing.T) {
	h := newHarness(t)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f, WithStaleTime(30*time.Second))

	q.Run(ctx)
	h.clock.Advance(30 * time.Second)
	f.data = []player{{ID: 2}}

	res := q.Run(ctx)
	if f.calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2", f.calls.Load())
	}
	if res.Status != StatusFetched || res.Data[0].ID != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_OfflineServesStaleCache(t *testing.T) {
	h := newHarness(t)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f)

	q.Run(ctx)
	h.clock.Advance(2 * time.Minute)
	h.oracle.SetOnline(false)

	res := q.Run(ctx)
	if res.IsError {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !res.IsFromCache || !res.IsStale || res.Status != StatusStaleCache {
		t.Errorf("result = %+v", res)
	}
	if res.Data[0].ID != 1 {
		t.Errorf("data = %+v", res.Data)
	}
	if f.calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls.Load())
	}
}

func TestRun_OfflineNoCacheFails(t *testing.T) {
	h := newHarness(t)
	h.oracle.SetOnline(false)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f)

	res := q.Run(ctx)
	if !res.IsError || !errors.Is(res.Err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", res.Err)
	}
	var ce *ConnectivityError
	if !errors.As(res.Err, &ce) {
		t.Errorf("err is %T, want *ConnectivityError", res.Err)
	}
	if res.HasData || res.Data != nil {
		t.Errorf("data should be empty, got %+v", res.Data)
	}
	if f.calls.Load() != 0 {
		t.Error("fetch must not run while offline")
	}
}

func TestRun_OfflineAfterExpiryFails(t *testing.T) {
	h := newHarness(t)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f, WithCacheTime(time.Minute))

	q.Run(ctx)
	h.clock.Advance(time.Minute)
	h.oracle.SetOnline(false)

	res := q.Run(ctx)
	if !errors.Is(res.Err, ErrOffline) {
		t.Fatalf("err = %v, want ErrOffline", res.Err)
	}
}

func TestRun_OnlineFetchErrorDoesNotFallBack(t *testing.T) {
	h := newHarness(t)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f)

	q.Run(ctx)
	h.clock.Advance(time.Minute)
	boom := errors.New("500 internal server error")
	f.err = boom

	res := q.Run(ctx)
	if !res.IsError || res.Status != StatusFailed {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("err = %v, want wrapped %v", res.Err, boom)
	}
	var fe *FetchError
	if !errors.As(res.Err, &fe) {
		t.Errorf("err is %T, want *FetchError", res.Err)
	}
	if res.HasData || res.IsFromCache {
		t.Errorf("online failure must not serve cache: %+v", res)
	}
}

func TestRefetch_BypassesFreshCache(t *testing.T) {
	h := newHarness(t)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f)

	q.Run(ctx)
	f.data = []player{{ID: 7}}

	res := q.Refetch(ctx)
	if f.calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2", f.calls.Load())
	}
	if res.Status != StatusFetched || res.Data[0].ID != 7 {
		t.Errorf("result = %+v", res)
	}

	h.oracle.SetOnline(false)
	res = q.Refetch(ctx)
	if res.Status != StatusStaleCache || res.Data[0].ID != 7 {
		t.Errorf("offline refetch = %+v", res)
	}
}

func TestRun_Disabled(t *testing.T) {
	h := newHarness(t)
	f := &countingFetch{data: []player{{ID: 1}}}
	q := newQuery(t, h, f, Enabled(false))

	res := q.Run(ctx)
	if res.Status != StatusIdle || res.HasData || res.IsError {
		t.Errorf("result = %+v", res)
	}
	if f.calls.Load() != 0 {
		t.Error("disabled query fetched")
	}
}

func TestRun_CacheWriteFailureStillSucceeds(t *testing.T) {
	h := newHarness(t)
	c := cache.New(failSetKV{h.kv}, cache.WithClock(h.clock.Now))
	coord := NewCoordinator(c, h.oracle, Config{})
	f := &countingFetch{data: []player{{ID: 1}}}

	q, err := New(coord, "players.list", nil, f.fetch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := q.Run(ctx)
	if res.IsError || res.Status != StatusFetched || res.Data[0].ID != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_FetchTimeout(t *testing.T) {
	h := newHarness(t)
	slow := func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	q, err := New(h.coord, "slow", nil, slow, WithTimeout(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := q.Run(ctx)
	if !res.IsError || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", res.Err)
	}
}

func TestRun_ConcurrentReadsShareFetch(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]player, error) {
		calls.Add(1)
		<-release
		return []player{{ID: 3}}, nil
	}
	q, err := New(h.coord, "players.list", 5, fetch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]Result[[]player], n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Refetch(ctx)
		}(i)
	}

	// Give the goroutines a moment to pile onto the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
	for i, r := range results {
		if r.IsError || r.Data[0].ID != 3 {
			t.Errorf("result %d = %+v", i, r)
		}
	}
}

func TestRun_DifferentCacheTimesFetchSeparately(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]player, error) {
		calls.Add(1)
		<-release
		return []player{{ID: 4}}, nil
	}
	short, err := New(h.coord, "players.list", 5, fetch, WithCacheTime(time.Minute))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	long, err := New(h.coord, "players.list", 5, fetch, WithCacheTime(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); short.Refetch(ctx) }()
	go func() { defer wg.Done(); long.Refetch(ctx) }()

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2 (options must not be shared)", got)
	}
}

// TestScenario_SetThenGet mirrors the cache-first read path of the players screen.
func TestScenario_SetThenGet(t *testing.T) {
	h := newHarness(t)
	if err := h.cache.Set(ctx, "players_5", []player{{ID: 1}}, 300*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var calls int
	fetch := func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`[]`), nil
	}

	res := h.coord.Do(ctx, "players_5", fetch, false)
	if !res.IsFromCache || res.Status != StatusFreshCache {
		t.Errorf("result = %+v", res)
	}
	if string(res.Data) != `[{"id":1}]` {
		t.Errorf("data = %s", res.Data)
	}
	if calls != 0 {
		t.Error("fresh read contacted the network")
	}
}
