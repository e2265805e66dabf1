// Package rpc calls the club API's typed procedures over HTTP.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kalambet/clubsync/internal/query"
	"github.com/kalambet/clubsync/internal/queue"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond

	// IdempotencyHeader carries the queue item ID on replayed mutations.
	IdempotencyHeader = "Idempotency-Key"
)

// Client calls procedures under a base URL. Queries are
// GET {base}/{path}?input=<json>, mutations POST {base}/{path} with the
// input as body. Both answer {"result":{"data":...}}.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates a client. token may be empty.
func NewClient(baseURL, token string) *Client {
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		backoff:    initialBackoff,
	}
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RemoteError is a non-2xx answer from the remote.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.Status, e.Message)
}

// IsRateLimit reports whether err is an HTTP 429 from the remote.
func IsRateLimit(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusTooManyRequests
}

type envelope struct {
	Result struct {
		Data json.RawMessage `json:"data"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Query calls a read procedure and returns the raw result data.
func (c *Client) Query(ctx context.Context, path string, input json.RawMessage) (json.RawMessage, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(input) > 0 {
		u += "?input=" + url.QueryEscape(string(input))
	}
	return c.call(ctx, http.MethodGet, u, nil)
}

// Mutate calls a write procedure and returns the raw result data.
func (c *Client) Mutate(ctx context.Context, path string, input json.RawMessage) (json.RawMessage, error) {
	u := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(input) == 0 {
		input = json.RawMessage("null")
	}
	return c.call(ctx, http.MethodPost, u, input)
}

func (c *Client) call(ctx context.Context, method, u string, body []byte) (json.RawMessage, error) {
	var lastErr error
	for attempt := range maxRetries {
		data, err := c.do(ctx, method, u, body)
		if err == nil {
			return data, nil
		}
		if !IsRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (json.RawMessage, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if id, ok := queue.ItemID(ctx); ok {
		req.Header.Set(IdempotencyHeader, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		re := &RemoteError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			re.Message = env.Error.Message
		} else {
			re.Message = strings.TrimSpace(string(raw))
		}
		return nil, re
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decoding response: %w", decodeErr)
	}
	if env.Error != nil {
		return nil, &RemoteError{Status: resp.StatusCode, Message: env.Error.Message}
	}
	if env.Result.Data == nil {
		return json.RawMessage("null"), nil
	}
	return env.Result.Data, nil
}

// Fetch returns a query fetch function for path and input that decodes the
// result into T.
func Fetch[T any](c *Client, path string, input any) (query.FetchFunc[T], error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding %s input: %w", path, err)
	}
	return func(ctx context.Context) (T, error) {
		var v T
		data, err := c.Query(ctx, path, raw)
		if err != nil {
			return v, err
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return v, fmt.Errorf("decoding %s result: %w", path, err)
		}
		return v, nil
	}, nil
}

// RawFetch returns a fetch function that hands the result data through
// undecoded.
func RawFetch(c *Client, path string, input json.RawMessage) query.FetchFunc[json.RawMessage] {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.Query(ctx, path, input)
	}
}

// Register registers a replay handler for each mutation key that forwards
// the stored input to the procedure of the same name.
func Register(reg *queue.Registry, c *Client, keys ...string) {
	for _, key := range keys {
		reg.RegisterRaw(key, func(ctx context.Context, input json.RawMessage) error {
			_, err := c.Mutate(ctx, key, input)
			return err
		})
	}
}
