package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/minhtuancn/server-monitor-sub002/internal/audit"
	"github.com/minhtuancn/server-monitor-sub002/internal/config"
	"github.com/minhtuancn/server-monitor-sub002/internal/database"
	"github.com/minhtuancn/server-monitor-sub002/internal/handlers"
	"github.com/minhtuancn/server-monitor-sub002/internal/inventory"
	"github.com/minhtuancn/server-monitor-sub002/internal/logging"
	"github.com/minhtuancn/server-monitor-sub002/internal/middleware"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshauth"
	"github.com/minhtuancn/server-monitor-sub002/internal/sshterminal"
	"github.com/minhtuancn/server-monitor-sub002/internal/taskqueue"
	"github.com/minhtuancn/server-monitor-sub002/internal/vault"
)

func main() {
	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	v, err := vault.New(database.DB, config.Cfg.MasterSecret)
	if err != nil {
		log.Fatalf("Vault init: %v", err)
	}
	handlers.Vault = v

	resolver := sshauth.NewResolver(database.DB, v)

	auditStore := audit.NewStore(database.DB, config.Cfg.AuditRetentionDays)
	emitter := audit.NewEmitter(auditStore)
	handlers.AuditStore = auditStore
	handlers.Emitter = emitter

	if config.Cfg.InventoryPath != "" {
		if _, err := inventory.Load(database.DB, v, config.Cfg.InventoryPath); err != nil {
			log.Printf("WARNING: inventory load: %v", err)
		}
	}

	limiter := taskqueue.NewHostLimiter(config.Cfg.PerHostLimit)
	queue := taskqueue.New(database.DB, resolver, emitter, limiter, taskqueue.Config{
		Workers:        config.Cfg.WorkerCount,
		OutputMaxBytes: config.Cfg.OutputMaxBytes,
		DefaultTimeout: config.TaskTimeout(),
	})
	if err := queue.Start(); err != nil {
		log.Fatalf("Task queue init: %v", err)
	}
	handlers.Queue = queue

	termMgr := sshterminal.NewManager(database.DB, resolver, emitter, config.IdleTimeout())
	handlers.TermMgr = termMgr
	log.Printf("Terminal session manager initialized (idle_timeout=%s)", config.IdleTimeout())

	scheduler := cron.New()
	scheduler.AddFunc("@every 1m", func() {
		if n := termMgr.EvictIdle(); n > 0 {
			log.Printf("Evicted %d idle terminal session(s)", n)
		}
	})
	scheduler.AddFunc("17 3 * * *", func() {
		auditStore.PurgeOlderThan(0)
	})
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	// API v1: every route requires the identity layer's actor headers.
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireActor)

		// Read paths, any role
		r.Get("/servers", handlers.ListServers)
		r.Get("/servers/{id}", handlers.GetServer)
		r.Get("/tasks", handlers.ListTasks)
		r.Get("/tasks/{id}", handlers.GetTask)
		r.Get("/terminal/sessions", handlers.ListTerminalSessions)
		r.Get("/credentials", handlers.ListCredentials)
		r.Get("/credentials/{id}", handlers.GetCredentialMetadata)

		// Execution paths, operator and admin
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin, middleware.RoleOperator))

			r.Post("/tasks", handlers.SubmitTask)
			r.Post("/tasks/{id}/cancel", handlers.CancelTask)
			r.Get("/servers/{id}/terminal", handlers.OpenTerminalSession)
			r.Delete("/terminal/sessions/{sessionId}", handlers.CloseTerminalSession)
		})

		// Admin-only routes
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))

			r.Post("/credentials", handlers.CreateCredential)
			r.Delete("/credentials/{id}", handlers.DeleteCredential)
			r.Get("/audit", handlers.QueryAudit)
			r.Get("/logs", handlers.TailLogs)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	scheduler.Stop()
	queue.Stop()
	termMgr.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
