package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/minhtuancn/server-monitor-sub002/internal/database"
)

// ListServers returns the target-host directory. Encrypted passwords are
// excluded by the model's JSON tags.
// GET /api/v1/servers
func ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := database.ListServers(database.DB)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list servers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": servers})
}

// GetServer returns one server descriptor.
// GET /api/v1/servers/{id}
func GetServer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid server ID")
		return
	}
	srv, err := database.GetServer(database.DB, uint(id))
	if err != nil {
		writeError(w, http.StatusNotFound, "Server not found")
		return
	}
	writeJSON(w, http.StatusOK, srv)
}
