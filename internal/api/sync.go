package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/clubsync/internal/cachekey"
	"github.com/kalambet/clubsync/internal/query"
	"github.com/kalambet/clubsync/internal/queue"
	"github.com/kalambet/clubsync/internal/rpc"
)

// QueryResponse is the body of GET /query/{path}.
type QueryResponse struct {
	Data        json.RawMessage `json:"data"`
	IsFromCache bool            `json:"isFromCache"`
	IsStale     bool            `json:"isStale"`
	Status      query.Status    `json:"status"`
	UpdatedAt   *time.Time      `json:"updatedAt,omitempty"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := chi.URLParam(r, "path")

		var input json.RawMessage
		if s := r.URL.Query().Get("input"); s != "" {
			if !json.Valid([]byte(s)) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "input must be valid JSON")
				return
			}
			input = json.RawMessage(s)
		}

		key, err := cachekey.For(path, input)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		var opts []query.Option
		if s := r.URL.Query().Get("stale_time"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid stale_time %q", s)
				return
			}
			opts = append(opts, query.WithStaleTime(d))
		}
		refetch, _ := strconv.ParseBool(r.URL.Query().Get("refetch"))

		res := deps.Coordinator.Do(r.Context(), key, rpc.RawFetch(deps.Remote, path, input), refetch, opts...)
		if res.IsError {
			var ce *query.ConnectivityError
			if errors.As(res.Err, &ce) {
				httpError(w, http.StatusServiceUnavailable, "offline_error", "%v", res.Err)
				return
			}
			httpError(w, http.StatusBadGateway, "fetch_error", "%v", res.Err)
			return
		}

		resp := QueryResponse{
			Data:        res.Data,
			IsFromCache: res.IsFromCache,
			IsStale:     res.IsStale,
			Status:      res.Status,
		}
		if !res.UpdatedAt.IsZero() {
			resp.UpdatedAt = &res.UpdatedAt
		}
		writeJSON(w, resp)
	}
}

func handleMutate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading body: %v", err)
			return
		}
		input := json.RawMessage("null")
		if len(body) > 0 {
			if !json.Valid(body) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "body must be valid JSON")
				return
			}
			input = body
		}

		var invalidate []string
		for _, p := range strings.Split(r.URL.Query().Get("invalidate"), ",") {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			if err := cachekey.ValidatePath(p); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalidate: %v", err)
				return
			}
			invalidate = append(invalidate, p)
		}

		outcome, err := deps.Queue.Mutate(r.Context(), key, input)
		if errors.Is(err, queue.ErrNoHandler) {
			httpError(w, http.StatusNotFound, "not_found", "unknown mutation %q", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "mutation_error", "%v", err)
			return
		}

		// Reads the write may have changed are dropped so the next read
		// refetches.
		if outcome == queue.OutcomeExecuted {
			for _, p := range invalidate {
				if _, err := deps.Coordinator.Cache().InvalidatePath(r.Context(), p); err != nil {
					httpError(w, http.StatusInternalServerError, "api_error", "mutation applied but invalidating %s failed: %v", p, err)
					return
				}
			}
		}

		writeJSON(w, map[string]string{"status": string(outcome)})
	}
}

func handleListQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Queue.Items(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read queue: %v", err)
			return
		}
		if items == nil {
			items = []queue.Item{}
		}
		resp := map[string]any{
			"count": len(items),
			"items": items,
		}
		if deps.Syncer != nil {
			resp["last_sync"] = deps.Syncer.Status()
		}
		writeJSON(w, resp)
	}
}

func handleSyncQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, ran, err := deps.Syncer.RunOnce(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, map[string]any{
			"ran":     ran,
			"success": sum.Success,
			"failed":  sum.Failed,
		})
	}
}

func handleClearQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Queue.Clear(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear queue: %v", err)
			return
		}
		writeJSON(w, map[string]int{"removed": n})
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Coordinator.Cache().ClearAll(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear cache: %v", err)
			return
		}
		writeJSON(w, map[string]int{"removed": n})
	}
}

func handleInvalidatePath(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := chi.URLParam(r, "path")
		if err := cachekey.ValidatePath(path); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		n, err := deps.Coordinator.Cache().InvalidatePath(r.Context(), path)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to invalidate cache: %v", err)
			return
		}
		writeJSON(w, map[string]int{"removed": n})
	}
}

func handleGetConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{
			"online":         deps.Override.IsOnline(r.Context()),
			"forced_offline": deps.Override.Forced(),
		})
	}
}

func handlePutConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Offline *bool `json:"offline"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Offline == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "offline is required")
			return
		}

		wasForced := deps.Override.Forced()
		deps.Override.ForceOffline(*req.Offline)
		if wasForced && !*req.Offline && deps.Syncer != nil {
			deps.Syncer.Trigger()
		}

		writeJSON(w, map[string]bool{
			"online":         deps.Override.IsOnline(r.Context()),
			"forced_offline": deps.Override.Forced(),
		})
	}
}
