package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/clubsync/internal/cachekey"
)

// FetchFunc performs the remote read for one query.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Result is what a read hands back to the caller. Errors are reported in
// the result rather than returned so screens can render cached data and an
// error state side by side.
type Result[T any] struct {
	Data        T
	HasData     bool
	IsError     bool
	Err         error
	IsFromCache bool
	IsStale     bool
	Status      Status
	UpdatedAt   time.Time
}

// Query binds a fetch function to its cache key and options.
type Query[T any] struct {
	c     *Coordinator
	path  string
	key   string
	fetch FetchFunc[T]
	opts  options
}

// New creates a query for path and input. The cache key is derived from
// both (see package cachekey).
func New[T any](c *Coordinator, path string, input any, fetch FetchFunc[T], opts ...Option) (*Query[T], error) {
	key, err := cachekey.For(path, input)
	if err != nil {
		return nil, fmt.Errorf("building cache key: %w", err)
	}
	return &Query[T]{
		c:     c,
		path:  path,
		key:   key,
		fetch: fetch,
		opts:  c.options(opts),
	}, nil
}

// Key returns the cache key of the query.
func (q *Query[T]) Key() string {
	return q.key
}

// Run serves the query from cache when fresh, otherwise consults
// connectivity and fetches.
func (q *Query[T]) Run(ctx context.Context) Result[T] {
	return q.do(ctx, false)
}

// Refetch ignores freshness and always goes to the network when online.
func (q *Query[T]) Refetch(ctx context.Context) Result[T] {
	return q.do(ctx, true)
}

// Invalidate drops the cached entry for this query.
func (q *Query[T]) Invalidate(ctx context.Context) error {
	return q.c.cache.Invalidate(ctx, q.key)
}

func (q *Query[T]) do(ctx context.Context, force bool) Result[T] {
	raw := q.c.run(ctx, q.key, q.rawFetch, q.opts, force)

	res := Result[T]{
		IsFromCache: raw.fromCache,
		IsStale:     raw.stale,
		Status:      raw.status,
		UpdatedAt:   raw.updatedAt,
	}
	if raw.err != nil {
		res.IsError = true
		res.Err = raw.err
		return res
	}
	if !raw.hasData {
		return res
	}

	if err := json.Unmarshal(raw.data, &res.Data); err != nil {
		res.Status = StatusFailed
		res.IsError = true
		res.Err = fmt.Errorf("decoding %s: %w", q.key, err)
		return res
	}
	res.HasData = true
	return res
}

func (q *Query[T]) rawFetch(ctx context.Context) (json.RawMessage, error) {
	v, err := q.fetch(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding fetched data: %w", err)
	}
	return data, nil
}

// Do runs a read for a precomputed key without decoding the payload. The
// daemon's passthrough endpoint uses it.
func (c *Coordinator) Do(ctx context.Context, key string, fetch FetchFunc[json.RawMessage], force bool, opts ...Option) Result[json.RawMessage] {
	q := &Query[json.RawMessage]{c: c, key: key, fetch: fetch, opts: c.options(opts)}
	return q.do(ctx, force)
}
