// Package api exposes the sync layer to local clients over HTTP and MCP.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/clubsync/internal/connectivity"
	"github.com/kalambet/clubsync/internal/metrics"
	"github.com/kalambet/clubsync/internal/query"
	"github.com/kalambet/clubsync/internal/queue"
	"github.com/kalambet/clubsync/internal/rpc"
	"github.com/kalambet/clubsync/internal/sms"
	"github.com/kalambet/clubsync/internal/syncer"
)

const maxRequestBodySize = 1 << 20 // 1MB

type Deps struct {
	Coordinator *query.Coordinator
	Remote      *rpc.Client
	Queue       *queue.Queue
	Syncer      *syncer.Worker
	Override    *connectivity.Override
	SMS         *sms.Service
	Metrics     *metrics.Metrics
	Token       string
}

// NewHandler returns the daemon's HTTP API. Everything except /health and
// /metrics requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/query/{path}", handleQuery(deps))
		r.Post("/mutate/{key}", handleMutate(deps))

		r.Get("/queue", handleListQueue(deps))
		r.Post("/queue/sync", handleSyncQueue(deps))
		r.Delete("/queue", handleClearQueue(deps))

		r.Delete("/cache", handleClearCache(deps))
		r.Delete("/cache/{path}", handleInvalidatePath(deps))

		r.Get("/connectivity", handleGetConnectivity(deps))
		r.Put("/connectivity", handlePutConnectivity(deps))

		r.Get("/sms/stats", handleSMSStats(deps))
		r.Get("/sms/history", handleSMSHistory(deps))
		r.Get("/sms/config", handleSMSConfig(deps))
		r.Put("/sms/config", handlePutSMSConfig(deps))
		r.Post("/sms/send", handleSMSSend(deps))
	})

	return r
}

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if token == "" || !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
