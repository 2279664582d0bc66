package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/minhtuancn/server-monitor-sub002/internal/audit"
	"github.com/minhtuancn/server-monitor-sub002/internal/logging"
)

// QueryAudit returns audit events matching the query filters, newest first.
// GET /api/v1/audit?actor=&action=&target_type=&target_id=&since=&until=&limit=&offset=
func QueryAudit(w http.ResponseWriter, r *http.Request) {
	opts := audit.QueryOptions{
		Actor:      r.URL.Query().Get("actor"),
		Action:     r.URL.Query().Get("action"),
		TargetType: r.URL.Query().Get("target_type"),
		TargetID:   r.URL.Query().Get("target_id"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}
	opts.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	opts.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	result, err := AuditStore.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TailLogs returns the last n lines of the service log.
// GET /api/v1/logs?lines=200
func TailLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 10000 {
			lines = n
		}
	}
	tail, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"log": tail})
}

// HealthCheck is the unauthenticated liveness endpoint.
// GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
