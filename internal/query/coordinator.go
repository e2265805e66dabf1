// Package query decides, per read, whether to serve from cache, fetch from
// the remote, or fail.
//
// A read walks this state machine:
//
//	cache lookup ─ fresh ──────────────────────────────▶ served from cache
//	     │ stale or absent
//	     ▼
//	connectivity ─ offline, cached ───────────────────▶ served stale
//	     │         offline, nothing cached ───────────▶ ConnectivityError
//	     │ online
//	     ▼
//	fetch ─ ok ─▶ cache write ─────────────────────────▶ served fresh
//	      └ error ─────────────────────────────────────▶ FetchError
//
// An online fetch failure never falls back to cached data; only being
// offline does.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/clubsync/internal/cache"
	"github.com/kalambet/clubsync/internal/connectivity"
	"github.com/kalambet/clubsync/internal/metrics"
)

const (
	DefaultStaleTime    = 30 * time.Second
	DefaultFetchTimeout = 15 * time.Second
)

// Status names the terminal state a read ended in.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusFreshCache Status = "fresh-cache"
	StatusStaleCache Status = "stale-cache"
	StatusFetched    Status = "fetched"
	StatusFailed     Status = "failed"
)

// Config holds coordinator-wide defaults. Zero fields take the package defaults.
type Config struct {
	StaleTime    time.Duration
	CacheTime    time.Duration
	FetchTimeout time.Duration
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Coordinator runs reads against a cache and a connectivity oracle.
// Concurrent reads of the same key with the same cache time and timeout
// share a single in-flight fetch.
type Coordinator struct {
	cache   *cache.Store
	oracle  connectivity.Oracle
	group   singleflight.Group
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(c *cache.Store, oracle connectivity.Oracle, cfg Config) *Coordinator {
	if cfg.StaleTime <= 0 {
		cfg.StaleTime = DefaultStaleTime
	}
	if cfg.CacheTime <= 0 {
		cfg.CacheTime = cache.DefaultCacheTime
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cache:   c,
		oracle:  oracle,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Cache returns the underlying cache store.
func (c *Coordinator) Cache() *cache.Store {
	return c.cache
}

type options struct {
	staleTime time.Duration
	cacheTime time.Duration
	timeout   time.Duration
	enabled   bool
}

// Option adjusts a single query.
type Option func(*options)

// WithStaleTime sets how old a cached entry may be and still short-circuit
// the network.
func WithStaleTime(d time.Duration) Option {
	return func(o *options) { o.staleTime = d }
}

// WithCacheTime sets the hard expiry written with fetched data.
func WithCacheTime(d time.Duration) Option {
	return func(o *options) { o.cacheTime = d }
}

// WithTimeout bounds the fetch.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Enabled turns the query on or off. A disabled query does no I/O.
func Enabled(on bool) Option {
	return func(o *options) { o.enabled = on }
}

func (c *Coordinator) options(opts []Option) options {
	o := options{
		staleTime: c.cfg.StaleTime,
		cacheTime: c.cfg.CacheTime,
		timeout:   c.cfg.FetchTimeout,
		enabled:   true,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type rawFetch func(ctx context.Context) (json.RawMessage, error)

type rawResult struct {
	data      json.RawMessage
	hasData   bool
	fromCache bool
	stale     bool
	status    Status
	updatedAt time.Time
	err       error
}

// run executes one read. force skips the freshness short-circuit.
func (c *Coordinator) run(ctx context.Context, key string, fetch rawFetch, o options, force bool) rawResult {
	if !o.enabled {
		return rawResult{status: StatusIdle}
	}

	entry, cached := c.cache.Get(ctx, key)
	if cached && !force && entry.Age(c.cache.Now()) < o.staleTime {
		return rawResult{
			data:      entry.Data,
			hasData:   true,
			fromCache: true,
			status:    StatusFreshCache,
			updatedAt: entry.Timestamp,
		}
	}

	if !c.oracle.IsOnline(ctx) {
		if cached {
			c.logger.Debug("offline, serving cached data", "key", key, "age", entry.Age(c.cache.Now()))
			return rawResult{
				data:      entry.Data,
				hasData:   true,
				fromCache: true,
				stale:     true,
				status:    StatusStaleCache,
				updatedAt: entry.Timestamp,
			}
		}
		return rawResult{status: StatusFailed, err: &ConnectivityError{Key: key}}
	}

	data, err := c.fetch(ctx, key, fetch, o)
	if err != nil {
		return rawResult{status: StatusFailed, err: err}
	}
	return rawResult{
		data:      data,
		hasData:   true,
		status:    StatusFetched,
		updatedAt: c.cache.Now(),
	}
}

type fetchResult struct {
	data json.RawMessage
}

func (c *Coordinator) fetch(ctx context.Context, key string, fetch rawFetch, o options) (json.RawMessage, error) {
	flight := fmt.Sprintf("%s\x00%d/%d", key, o.cacheTime, o.timeout)
	ch := c.group.DoChan(flight, func() (any, error) {
		// The shared fetch outlives any single waiter's cancellation and is
		// bounded by the timeout instead.
		fctx := context.WithoutCancel(ctx)
		if o.timeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, o.timeout)
			defer cancel()
		}

		start := time.Now()
		data, err := fetch(fctx)
		c.metrics.Fetch(err == nil, time.Since(start).Seconds())
		if err != nil {
			c.logger.Warn("fetch failed", "key", key, "error", err)
			return nil, &FetchError{Key: key, Err: err}
		}

		if err := c.cache.Set(fctx, key, data, o.cacheTime); err != nil {
			// Already logged by the cache; the next read will simply refetch.
			c.logger.Debug("continuing after cache write failure", "key", key)
		}
		return fetchResult{data: data}, nil
	})

	select {
	case <-ctx.Done():
		return nil, &FetchError{Key: key, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(fetchResult).data, nil
	}
}
