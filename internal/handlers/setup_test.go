package handlers

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/minhtuancn/server-monitor-sub002/internal/audit"
	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshauth"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshterminal"
	"github.com/minhtuancn/server-monitor-sub002/internal/taskqueue"
	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

// handlerEnv wires the full handler dependency set against a temp database
// and an in-process SSH server, mirroring what main.go does at startup.
type handlerEnv struct {
	serverID uint
	router   *chi.Mux
}

func setupHandlers(t *testing.T) *handlerEnv {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	if err := database.InitAt(dbPath); err != nil {
		t.Fatalf("init db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	v, err := vault.New(database.DB, "handlers-test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	_, privKeyPEM, err := vault.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := vault.ParsePrivateKey(privKeyPEM)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	sshAddr, cleanup := testSSHServer(t, signer.PublicKey())
	t.Cleanup(cleanup)

	keyPath := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(keyPath, privKeyPEM, 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(sshAddr)
	port, _ := strconv.Atoi(portStr)
	srv := database.Server{Name: "target", Host: host, Port: port, Username: "root", KeyFilePath: keyPath}
	if err := database.DB.Create(&srv).Error; err != nil {
		t.Fatalf("create server: %v", err)
	}

	resolver := sshauth.NewResolver(database.DB, v)
	store := audit.NewStore(database.DB, 0)
	emitter := audit.NewEmitter(store)

	queue := taskqueue.New(database.DB, resolver, emitter, taskqueue.NewHostLimiter(1),
		taskqueue.Config{Workers: 2})
	if err := queue.Start(); err != nil {
		t.Fatalf("start queue: %v", err)
	}
	t.Cleanup(queue.Stop)

	mgr := sshterminal.NewManager(database.DB, resolver, emitter, 0)
	t.Cleanup(mgr.Stop)

	Vault = v
	Queue = queue
	TermMgr = mgr
	AuditStore = store
	Emitter = emitter

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireActor)

		r.Get("/servers", ListServers)
		r.Get("/servers/{id}", GetServer)
		r.Get("/credentials", ListCredentials)
		r.Get("/credentials/{id}", GetCredentialMetadata)
		r.Get("/tasks", ListTasks)
		r.Get("/tasks/{id}", GetTask)
		r.Get("/terminal/sessions", ListTerminalSessions)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleOperator))
			r.Post("/tasks", SubmitTask)
			r.Post("/tasks/{id}/cancel", CancelTask)
			r.Get("/servers/{id}/terminal", OpenTerminalSession)
			r.Delete("/terminal/sessions/{sessionId}", CloseTerminalSession)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Post("/credentials", CreateCredential)
			r.Delete("/credentials/{id}", DeleteCredential)
			r.Get("/audit", QueryAudit)
		})
	})

	return &handlerEnv{serverID: srv.ID, router: r}
}

// do executes one request against the router with identity headers set.
func (e *handlerEnv) do(t *testing.T, method, path, user, role string, body *string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(*body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("X-Auth-User", user)
		req.Header.Set("X-Auth-Role", role)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *handlerEnv) waitForTaskStatus(t *testing.T, id, want string, timeout time.Duration) *database.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		task, err := Queue.Get(id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == want {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s status = %q, want %q", id, task.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
