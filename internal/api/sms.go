package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kalambet/clubsync/internal/sms"
)

func handleSMSStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.SMS.Tracker().Stats(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read sms stats: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

func handleSMSHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, sms.HistoryLimit)

		history, err := deps.SMS.Tracker().History(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read sms history: %v", err)
			return
		}
		if history == nil {
			history = []sms.HistoryItem{}
		}
		writeJSON(w, history)
	}
}

type smsSendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func handleSMSSend(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req smsSendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.To == "" || req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "to and message are required")
			return
		}
		if req.Type == "" {
			req.Type = "manual"
		}

		item, err := deps.SMS.Send(r.Context(), req.To, req.Message, req.Type)
		switch {
		case errors.Is(err, sms.ErrDisabled):
			httpError(w, http.StatusConflict, "sms_disabled", "%v", err)
			return
		case errors.Is(err, sms.ErrNoProvider):
			httpError(w, http.StatusNotImplemented, "sms_unavailable", "%v", err)
			return
		case err != nil && item.ID != "":
			// The failed attempt was recorded.
			httpError(w, http.StatusBadGateway, "sms_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		writeJSON(w, item)
	}
}

func handleSMSConfig(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := deps.SMS.Tracker().Config(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read sms config: %v", err)
			return
		}
		if cfg.APIKey != "" {
			cfg.APIKey = "********"
		}
		writeJSON(w, cfg)
	}
}

func handlePutSMSConfig(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var cfg sms.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.SMS.Tracker().SaveConfig(r.Context(), cfg); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save sms config: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
