package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/clubsync/internal/cachekey"
	"github.com/kalambet/clubsync/internal/metrics"
	"github.com/kalambet/clubsync/internal/storage"
)

// DefaultCacheTime is the hard expiry applied when Set is given no cacheTime.
const DefaultCacheTime = 5 * time.Minute

// Entry is the last known good payload for one cache key.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Age reports how old the entry is at now.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Expired reports whether the entry is past its hard expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Decode unmarshals the entry payload into T.
func Decode[T any](e Entry) (T, error) {
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return v, fmt.Errorf("decoding cached data: %w", err)
	}
	return v, nil
}

// Store keeps query results in a storage.KV under the cache/ namespace.
// Reads fail open: storage errors and corrupt records are misses.
type Store struct {
	kv      storage.KV
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	locks   [64]sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger for swallowed storage errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records lookups on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store on top of kv.
func New(kv storage.KV, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// lock serializes operations on one key. Get may delete an expired record
// and must not race with a Set that just replaced it.
func (s *Store) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &s.locks[h.Sum32()%uint32(len(s.locks))]
	m.Lock()
	return m.Unlock
}

// Get returns the entry for key. Missing, unreadable and expired entries are
// reported as absent; expired ones are deleted on the way.
func (s *Store) Get(ctx context.Context, key string) (Entry, bool) {
	unlock := s.lock(key)
	defer unlock()

	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		s.metrics.CacheLookup("miss")
		return Entry{}, false
	}
	if !ok {
		s.metrics.CacheLookup("miss")
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		s.logger.Warn("corrupt cache entry, removing", "key", key, "error", err)
		s.remove(ctx, key)
		s.metrics.CacheLookup("miss")
		return Entry{}, false
	}

	if e.Expired(s.now()) {
		s.remove(ctx, key)
		s.metrics.CacheLookup("expired")
		return Entry{}, false
	}

	s.metrics.CacheLookup("hit")
	return e, true
}

func (s *Store) remove(ctx context.Context, key string) {
	if err := s.kv.Remove(ctx, key); err != nil {
		s.logger.Warn("cache eviction failed", "key", key, "error", err)
	}
}

// Set stores data under key with expiresAt = now + cacheTime, replacing any
// previous entry. A non-positive cacheTime uses DefaultCacheTime.
func (s *Store) Set(ctx context.Context, key string, data any, cacheTime time.Duration) error {
	if cacheTime <= 0 {
		cacheTime = DefaultCacheTime
	}

	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("cache write failed", "key", key, "error", err)
		return fmt.Errorf("encoding cache data for %q: %w", key, err)
	}

	now := s.now()
	raw, err := json.Marshal(Entry{
		Data:      payload,
		Timestamp: now,
		ExpiresAt: now.Add(cacheTime),
	})
	if err != nil {
		s.logger.Error("cache write failed", "key", key, "error", err)
		return fmt.Errorf("encoding cache entry for %q: %w", key, err)
	}

	unlock := s.lock(key)
	defer unlock()

	if err := s.kv.Set(ctx, key, string(raw)); err != nil {
		s.logger.Error("cache write failed", "key", key, "error", err)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Invalidate removes the entry for key. Missing keys are not an error.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	unlock := s.lock(key)
	defer unlock()

	if err := s.kv.Remove(ctx, key); err != nil {
		return fmt.Errorf("invalidating %q: %w", key, err)
	}
	return nil
}

// InvalidatePath removes the entries of every input of a query path.
func (s *Store) InvalidatePath(ctx context.Context, path string) (int, error) {
	if err := cachekey.ValidatePath(path); err != nil {
		return 0, err
	}
	return s.removePrefix(ctx, cachekey.PathPrefix(path))
}

// ClearAll removes every cache entry and leaves other namespaces alone.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	return s.removePrefix(ctx, cachekey.Prefix)
}

func (s *Store) removePrefix(ctx context.Context, prefix string) (int, error) {
	if !strings.HasPrefix(prefix, cachekey.Prefix) {
		return 0, fmt.Errorf("prefix %q is outside the cache namespace", prefix)
	}
	keys, err := storage.KeysWithPrefix(ctx, s.kv, prefix)
	if err != nil {
		return 0, fmt.Errorf("listing cache keys: %w", err)
	}
	if err := s.kv.MultiRemove(ctx, keys); err != nil {
		return 0, fmt.Errorf("removing cache keys: %w", err)
	}
	s.logger.Debug("cache cleared", "prefix", prefix, "removed", len(keys))
	return len(keys), nil
}
