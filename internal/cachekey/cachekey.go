// Package cachekey derives deterministic cache keys from a query path and
// its input.
//
// The input is serialized to canonical JSON: object keys sorted at every
// depth, array order preserved, numbers kept verbatim, no insignificant
// whitespace. Two inputs that are equal as JSON values produce the same key,
// and distinct JSON values produce distinct keys.
package cachekey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/clubsync/internal/storage"
)

// Prefix is the namespace every cache key lives under.
const Prefix = storage.CachePrefix

// For returns the cache key for a query path and input.
func For(path string, input any) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	canon, err := Canonical(input)
	if err != nil {
		return "", err
	}
	return PathPrefix(path) + canon, nil
}

// ValidatePath rejects paths that would make PathPrefix ambiguous: ':'
// separates the path from the input, so "players" must not prefix
// "players:archived".
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty query path")
	}
	if strings.Contains(path, ":") {
		return fmt.Errorf("query path %q must not contain ':'", path)
	}
	return nil
}

// PathPrefix returns the key prefix shared by all inputs of a query path.
func PathPrefix(path string) string {
	return Prefix + path + ":"
}

// Canonical serializes v to canonical JSON. A nil input encodes as "null".
func Canonical(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshalling input: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("decoding input: %w", err)
	}

	var b strings.Builder
	if err := writeCanonical(&b, generic); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case json.Number:
		b.WriteString(val.String())
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, item); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(enc)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	default:
		return fmt.Errorf("unexpected JSON value of type %T", v)
	}
	return nil
}
