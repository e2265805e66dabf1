package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// KV is the persistent key-value substrate shared by the cache, the
// mutation queue and the SMS tracker. Values are opaque text blobs
// (JSON in practice). A missing key is reported with ok=false, not an error.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	AllKeys(ctx context.Context) ([]string, error)
	MultiRemove(ctx context.Context, keys []string) error
}

// Reserved key namespaces. Components must stay inside their own.
const (
	CachePrefix = "cache/"
	QueueKey    = "offline-queue"
	SMSPrefix   = "sms/"
)
