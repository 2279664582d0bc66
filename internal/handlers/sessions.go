package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/minhtuancn/server-monitor-sub002/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshterminal"
)

// ListTerminalSessions returns persisted terminal session records.
// GET /api/v1/terminal/sessions?server_id=&actor=&status=&limit=&offset=
func ListTerminalSessions(w http.ResponseWriter, r *http.Request) {
	opts := sshterminal.ListOptions{
		Actor:  r.URL.Query().Get("actor"),
		Status: r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("server_id"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			opts.ServerID = uint(id)
		}
	}
	opts.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	opts.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	sessions, err := TermMgr.List(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// CloseTerminalSession closes a live session. Operators may only close
// their own sessions; admins may close any.
// DELETE /api/v1/terminal/sessions/{sessionId}
func CloseTerminalSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	actor := middleware.GetActor(r)

	sess := TermMgr.Get(sessionID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "Session not found or already ended")
		return
	}
	if !actor.IsAdmin() && sess.Actor != actor.Name {
		writeError(w, http.StatusForbidden, "Cannot close another user's session")
		return
	}

	if err := TermMgr.Close(sessionID, actor.Name); err != nil {
		writeError(w, http.StatusNotFound, "Session not found or already ended")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}
