package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"autoforge/internal/model"
)

type HealthResponse struct {
	Status     string                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	Now        time.Time              `json:"now"`
	Processing bool                   `json:"processing"`
	Worker     DeliveryWorkerSnapshot `json:"worker"`
	Outbox     model.OutboxStats      `json:"outbox"`
}

const defaultRunsLimit = 50

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/api/v1/runs", r.handleRuns)
	if r.webhook != nil {
		mux.Handle(r.cfg.Webhook.Path, r.webhook)
	}
	mux.HandleFunc("/", r.handleNotFound)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	outboxStats, err := r.runStore.OutboxStats()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		StartedAt:  r.startedAt,
		Now:        now,
		Processing: r.guard.Held(),
		Worker:     r.worker.Snapshot(),
		Outbox:     outboxStats,
	})
}

func (r *Runtime) handleRuns(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET required")
		return
	}
	limit := defaultRunsLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	runs, err := r.runStore.ListRuns(limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (r *Runtime) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeAPIError(w, http.StatusNotFound, "not_found", "route not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
