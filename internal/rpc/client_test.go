package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/clubsync/internal/connectivity"
	"github.com/kalambet/clubsync/internal/queue"
	"github.com/kalambet/clubsync/internal/storage"
)

var ctx = context.Background()

func newTestClient(url string) *Client {
	c := NewClient(url, "secret")
	c.backoff = time.Millisecond
	return c
}

func TestQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/players.list" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("input"); got != `{"teamId":5}` {
			t.Errorf("input = %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"result":{"data":[{"id":1}]}}`)
	}))
	defer srv.Close()

	data, err := newTestClient(srv.URL).Query(ctx, "players.list", json.RawMessage(`{"teamId":5}`))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if string(data) != `[{"id":1}]` {
		t.Errorf("data = %s", data)
	}
}

func TestQuery_NoInputOmitsParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("query = %q, want empty", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"result":{}}`)
	}))
	defer srv.Close()

	data, err := newTestClient(srv.URL).Query(ctx, "clubs.mine", nil)
	if err != nil || string(data) != "null" {
		t.Errorf("Query = %s, %v", data, err)
	}
}

func TestMutate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/createTraining" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"date":"2024-05-01"}` {
			t.Errorf("body = %s", body)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		fmt.Fprint(w, `{"result":{"data":{"id":42}}}`)
	}))
	defer srv.Close()

	data, err := newTestClient(srv.URL).Mutate(ctx, "createTraining", json.RawMessage(`{"date":"2024-05-01"}`))
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if string(data) != `{"id":42}` {
		t.Errorf("data = %s", data)
	}
}

func TestRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"date is required"}}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Mutate(ctx, "createTraining", nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if re.Status != http.StatusBadRequest || re.Message != "date is required" {
		t.Errorf("RemoteError = %+v", re)
	}
}

func TestRetryOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"result":{"data":true}}`)
	}))
	defer srv.Close()

	data, err := newTestClient(srv.URL).Query(ctx, "p", nil)
	if err != nil || string(data) != "true" {
		t.Fatalf("Query = %s, %v", data, err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryOn429_GivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Query(ctx, "p", nil)
	if !IsRateLimit(err) {
		t.Errorf("err = %v, want rate limit", err)
	}
	if calls.Load() != maxRetries {
		t.Errorf("calls = %d, want %d", calls.Load(), maxRetries)
	}
}

func TestNoRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Query(ctx, "p", nil); err == nil {
		t.Fatal("want error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestFetch_Decodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":{"data":[{"id":1},{"id":2}]}}`)
	}))
	defer srv.Close()

	type player struct {
		ID int `json:"id"`
	}
	fetch, err := Fetch[[]player](newTestClient(srv.URL), "players.list", map[string]int{"teamId": 5})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	players, err := fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(players) != 2 || players[1].ID != 2 {
		t.Errorf("players = %+v", players)
	}
}

func TestRegister_ReplaySendsIdempotencyKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		fmt.Fprint(w, `{"result":{"data":null}}`)
	}))
	defer srv.Close()

	kv, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	defer kv.Close()

	q := queue.New(kv, connectivity.NewStatic(false), nil)
	Register(q.Registry(), newTestClient(srv.URL), "createTraining")

	if _, err := q.Mutate(ctx, "createTraining", map[string]string{"date": "2024-05-01"}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	items, _ := q.Items(ctx)

	sum, err := q.ProcessRegistered(ctx)
	if err != nil || sum.Success != 1 {
		t.Fatalf("ProcessRegistered = %+v, %v", sum, err)
	}
	if gotKey != items[0].ID {
		t.Errorf("%s = %q, want %q", IdempotencyHeader, gotKey, items[0].ID)
	}
}
