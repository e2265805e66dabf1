// Package queue persists writes made while offline and replays them when
// the remote is reachable again.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kalambet/clubsync/internal/connectivity"
	"github.com/kalambet/clubsync/internal/metrics"
	"github.com/kalambet/clubsync/internal/storage"
)

const (
	// MaxRetries is the number of failed replays after which an item is
	// dropped on its next pass.
	MaxRetries = 3

	DefaultHandlerTimeout = 30 * time.Second
)

// ErrNoHandler is returned by Mutate when online and nothing is registered
// for the key.
var ErrNoHandler = errors.New("no handler registered")

// Item is one queued mutation.
type Item struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Input     json.RawMessage `json:"input"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// Outcome tells the caller what Mutate did with the write.
type Outcome string

const (
	OutcomeExecuted Outcome = "ok"
	OutcomeQueued   Outcome = "queued"
)

// Summary counts the results of one replay pass.
type Summary struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type itemIDKey struct{}

// ItemID returns the queue item ID a handler is replaying, if any.
func ItemID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(itemIDKey{}).(string)
	return id, ok
}

// Queue is the durable FIFO of offline writes. The whole queue is one JSON
// array under storage.QueueKey.
type Queue struct {
	kv             storage.KV
	oracle         connectivity.Oracle
	reg            *Registry
	now            func() time.Time
	logger         *slog.Logger
	metrics        *metrics.Metrics
	handlerTimeout time.Duration

	// mu guards every read-modify-write of the stored array and the
	// entropy source.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy

	// pass serializes Process calls.
	pass sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithHandlerTimeout bounds each handler call. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(q *Queue) { q.handlerTimeout = d }
}

// New creates a Queue. reg may be nil when every write goes through
// Process with explicit handlers.
func New(kv storage.KV, oracle connectivity.Oracle, reg *Registry, opts ...Option) *Queue {
	if reg == nil {
		reg = NewRegistry()
	}
	q := &Queue{
		kv:             kv,
		oracle:         oracle,
		reg:            reg,
		now:            time.Now,
		logger:         slog.Default(),
		handlerTimeout: DefaultHandlerTimeout,
		entropy:        ulid.Monotonic(rand.Reader, 0),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Registry returns the handler registry used by Mutate and ProcessRegistered.
func (q *Queue) Registry() *Registry {
	return q.reg
}

// Mutate runs the write now when online and queues it when offline.
// Online, the handler's error is returned as is and nothing is queued.
// Offline, no handler runs.
func (q *Queue) Mutate(ctx context.Context, key string, input any) (Outcome, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encoding %s input: %w", key, err)
	}

	if q.oracle.IsOnline(ctx) {
		h, ok := q.reg.Lookup(key)
		if !ok {
			return "", fmt.Errorf("%w for %q", ErrNoHandler, key)
		}
		if err := h(ctx, raw); err != nil {
			return "", err
		}
		return OutcomeExecuted, nil
	}

	item, err := q.enqueue(ctx, key, raw)
	if err != nil {
		return "", err
	}
	q.logger.Info("offline, mutation queued", "key", key, "id", item.ID)
	return OutcomeQueued, nil
}

func (q *Queue) enqueue(ctx context.Context, key string, input json.RawMessage) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		return Item{}, fmt.Errorf("generating item id: %w", err)
	}
	item := Item{
		ID:        id.String(),
		Key:       key,
		Input:     input,
		Timestamp: now,
	}

	items, err := q.load(ctx)
	if err != nil {
		return Item{}, err
	}
	items = append(items, item)
	if err := q.save(ctx, items); err != nil {
		return Item{}, err
	}
	q.metrics.Enqueued()
	return item, nil
}

// ProcessRegistered replays the queue with the registry's handlers.
func (q *Queue) ProcessRegistered(ctx context.Context) (Summary, error) {
	return q.Process(ctx, q.reg.Handlers())
}

// Process makes one replay pass over the queue in FIFO order, attempting
// each item at most once:
//
//   - no handler for the key: kept untouched, counted as failed
//   - handler succeeds: removed, counted as success
//   - handler fails: retries incremented and kept, counted as failed
//   - already at MaxRetries: dropped without another attempt, counted as failed
//
// The remaining queue is written back once. Items enqueued while the pass
// runs are kept after the survivors. An empty queue is not written.
func (q *Queue) Process(ctx context.Context, handlers Handlers) (Summary, error) {
	q.pass.Lock()
	defer q.pass.Unlock()

	q.mu.Lock()
	items, err := q.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return Summary{}, err
	}
	if len(items) == 0 {
		return Summary{}, nil
	}

	var sum Summary
	visited := make(map[string]bool, len(items))
	survivors := make([]Item, 0, len(items))

	for _, it := range items {
		visited[it.ID] = true

		// Once the pass is cancelled the rest of the queue is kept as it was.
		if ctx.Err() != nil {
			survivors = append(survivors, it)
			continue
		}

		h, ok := handlers[it.Key]
		if !ok {
			q.logger.Warn("no handler for queued mutation", "key", it.Key, "id", it.ID)
			q.metrics.Replay("unhandled")
			survivors = append(survivors, it)
			sum.Failed++
			continue
		}

		if it.Retries >= MaxRetries {
			q.logger.Warn("dropping mutation after repeated failures", "key", it.Key, "id", it.ID, "retries", it.Retries)
			q.metrics.Replay("dropped")
			sum.Failed++
			continue
		}

		if err := q.invoke(ctx, h, it); err != nil {
			if ctx.Err() != nil {
				// Interrupted, not rejected: the attempt does not count.
				q.logger.Info("replay interrupted", "key", it.Key, "id", it.ID, "error", err)
				survivors = append(survivors, it)
				continue
			}
			it.Retries++
			q.logger.Warn("replay failed", "key", it.Key, "id", it.ID, "retries", it.Retries, "error", err)
			q.metrics.Replay("retry")
			survivors = append(survivors, it)
			sum.Failed++
			continue
		}

		q.metrics.Replay("success")
		sum.Success++
	}

	// The outcome of handlers that already ran is persisted even when the
	// pass was cancelled.
	wctx := context.WithoutCancel(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.load(wctx)
	if err != nil {
		return sum, err
	}
	present := make(map[string]bool, len(current))
	for _, it := range current {
		present[it.ID] = true
	}

	remaining := make([]Item, 0, len(survivors)+len(current))
	for _, it := range survivors {
		// Skip items that were cleared while the pass ran.
		if present[it.ID] {
			remaining = append(remaining, it)
		}
	}
	for _, it := range current {
		if !visited[it.ID] {
			remaining = append(remaining, it)
		}
	}

	if err := q.save(wctx, remaining); err != nil {
		// The handlers already ran; a later pass replays the successes
		// again, which idempotent handlers tolerate.
		return sum, err
	}

	q.logger.Info("queue processed", "success", sum.Success, "failed", sum.Failed, "remaining", len(remaining))
	return sum, nil
}

func (q *Queue) invoke(ctx context.Context, h Handler, it Item) error {
	hctx := context.WithValue(ctx, itemIDKey{}, it.ID)
	if q.handlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, q.handlerTimeout)
		defer cancel()
	}
	return h(hctx, it.Input)
}

// Items returns the queued items in replay order.
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Len returns the number of queued items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	items, err := q.Items(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Clear discards every queued item and reports how many there were.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.load(ctx)
	if err != nil {
		q.logger.Warn("clearing unreadable queue", "error", err)
	}
	if err := q.kv.Remove(ctx, storage.QueueKey); err != nil {
		return 0, fmt.Errorf("clearing queue: %w", err)
	}
	q.metrics.QueueDepth(0)
	return len(items), nil
}

// load must be called with q.mu held.
func (q *Queue) load(ctx context.Context) ([]Item, error) {
	raw, ok, err := q.kv.Get(ctx, storage.QueueKey)
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var items []Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.quarantine(ctx, raw, err)
		return nil, nil
	}
	return items, nil
}

// quarantine moves an undecodable queue aside so writes can still be
// queued. Must be called with q.mu held.
func (q *Queue) quarantine(ctx context.Context, raw string, cause error) {
	aside := fmt.Sprintf("%s.corrupt-%d", storage.QueueKey, q.now().UnixNano())
	q.logger.Error("corrupt offline queue, starting empty", "moved_to", aside, "error", cause)
	if err := q.kv.Set(ctx, aside, raw); err != nil {
		q.logger.Warn("could not keep corrupt queue", "key", aside, "error", err)
	}
	if err := q.kv.Remove(ctx, storage.QueueKey); err != nil {
		q.logger.Warn("could not remove corrupt queue", "error", err)
	}
}

// save must be called with q.mu held.
func (q *Queue) save(ctx context.Context, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}
	if err := q.kv.Set(ctx, storage.QueueKey, string(raw)); err != nil {
		return fmt.Errorf("writing queue: %w", err)
	}
	q.metrics.QueueDepth(len(items))
	return nil
}
