// Package sms keeps the club's SMS settings, send history and counters on
// the shared key-value store.
package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/clubsync/internal/storage"
)

// HistoryLimit caps the number of history records kept.
const HistoryLimit = 500

const (
	configKey  = storage.SMSPrefix + "config"
	historyKey = storage.SMSPrefix + "history"
	statsKey   = storage.SMSPrefix + "stats"
)

// Config is the SMS provider setup.
type Config struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
	Sender   string `json:"sender"`
	Enabled  bool   `json:"enabled"`
	TestMode bool   `json:"testMode"`
}

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
	StatusTest   Status = "test"
)

// HistoryItem records one send attempt.
type HistoryItem struct {
	ID                string    `json:"id"`
	To                string    `json:"to"`
	Message           string    `json:"message"`
	Type              string    `json:"type"`
	Status            Status    `json:"status"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Error             string    `json:"error,omitempty"`
	SentAt            time.Time `json:"sentAt"`
}

// Stats aggregates the history. Test sends count toward Total, ByType and
// ByMonth but neither Sent nor Failed.
type Stats struct {
	Total   int            `json:"total"`
	Sent    int            `json:"sent"`
	Failed  int            `json:"failed"`
	ByType  map[string]int `json:"byType"`
	ByMonth map[string]int `json:"byMonth"`
}

// Tracker persists SMS records. Writes are last-write-wins per record.
type Tracker struct {
	kv     storage.KV
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// NewTracker creates a Tracker on kv.
func NewTracker(kv storage.KV) *Tracker {
	return &Tracker{kv: kv, now: time.Now, logger: slog.Default()}
}

// Config returns the stored configuration, or the zero Config.
func (t *Tracker) Config(ctx context.Context) (Config, error) {
	var cfg Config
	if _, err := t.read(ctx, configKey, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (t *Tracker) SaveConfig(ctx context.Context, cfg Config) error {
	return t.write(ctx, configKey, cfg)
}

// Record prepends item to the history and folds it into the stats. A
// missing ID or SentAt is filled in. The stored item is returned.
func (t *Tracker) Record(ctx context.Context, item HistoryItem) (HistoryItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.SentAt.IsZero() {
		item.SentAt = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	history, err := t.history(ctx)
	if err != nil {
		return item, err
	}
	history = append([]HistoryItem{item}, history...)
	if len(history) > HistoryLimit {
		history = history[:HistoryLimit]
	}
	if err := t.write(ctx, historyKey, history); err != nil {
		return item, err
	}

	stats, err := t.stats(ctx)
	if err != nil {
		return item, err
	}
	stats.Total++
	switch item.Status {
	case StatusSent:
		stats.Sent++
	case StatusFailed:
		stats.Failed++
	}
	stats.ByType[item.Type]++
	stats.ByMonth[item.SentAt.Format("2006-01")]++
	if err := t.write(ctx, statsKey, stats); err != nil {
		return item, err
	}
	return item, nil
}

// History returns up to limit records, newest first. limit <= 0 returns all.
func (t *Tracker) History(ctx context.Context, limit int) ([]HistoryItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	history, err := t.history(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (t *Tracker) Stats(ctx context.Context) (Stats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats(ctx)
}

// Reset drops history and stats. The configuration is kept.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.kv.MultiRemove(ctx, []string{historyKey, statsKey}); err != nil {
		return fmt.Errorf("resetting sms records: %w", err)
	}
	return nil
}

func (t *Tracker) history(ctx context.Context) ([]HistoryItem, error) {
	var history []HistoryItem
	if _, err := t.read(ctx, historyKey, &history); err != nil {
		return nil, err
	}
	return history, nil
}

func (t *Tracker) stats(ctx context.Context) (Stats, error) {
	var s Stats
	if _, err := t.read(ctx, statsKey, &s); err != nil {
		return Stats{}, err
	}
	if s.ByType == nil {
		s.ByType = make(map[string]int)
	}
	if s.ByMonth == nil {
		s.ByMonth = make(map[string]int)
	}
	return s, nil
}

// read decodes key into v. A corrupt record is logged and read as absent
// so one bad write does not lock the feature up.
func (t *Tracker) read(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := t.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		t.logger.Warn("corrupt sms record, ignoring", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (t *Tracker) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := t.kv.Set(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
