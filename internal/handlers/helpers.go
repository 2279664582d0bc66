package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/minhtuancn/server-monitor-sub002/internal/audit"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshterminal"
	"github.com/minhtuancn/server-monitor-sub002/internal/taskqueue"
	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

// Shared components, set from main.go during init.
var (
	Vault      *vault.Vault
	Queue      *taskqueue.Queue
	TermMgr    *sshterminal.Manager
	AuditStore *audit.Store
	Emitter    *audit.Emitter
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
