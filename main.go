package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/webterm/internal/audit"
	"github.com/gluk-w/webterm/internal/config"
	"github.com/gluk-w/webterm/internal/handlers"
	"github.com/gluk-w/webterm/internal/logging"
	"github.com/gluk-w/webterm/internal/relay"
	"github.com/gluk-w/webterm/internal/sshclient"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)

	var recorder relay.Recorder
	var store *audit.Store
	if config.Cfg.AuditDBPath != "" {
		var err error
		store, err = audit.Open(config.Cfg.AuditDBPath, config.Cfg.AuditRetention)
		if err != nil {
			log.Fatalf("Audit init: %v", err)
		}
		defer store.Close()
		store.StartPruner()
		recorder = store
		log.Printf("Audit log at %s (retention %s)", config.Cfg.AuditDBPath, config.Cfg.AuditRetention)
	}

	registry := relay.NewRegistry(relay.Options{
		MaxSessions: config.Cfg.MaxSessions,
		IdleTimeout: config.Cfg.IdleTimeout(),
		TermType:    config.Cfg.TermType,
		RateLimit:   config.Cfg.RateLimit,
		RateBurst:   config.Cfg.RateBurst,
		Dialer:      &sshclient.Dialer{Timeout: config.Cfg.SSHConnectTimeout},
		Recorder:    recorder,
	})
	log.Printf("Session registry initialized (max=%d, idle_timeout=%s)",
		config.Cfg.MaxSessions, config.Cfg.IdleTimeout())

	h := handlers.New(registry)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", h.HealthCheck)
	r.Get("/status", h.Status)
	r.Get("/logs", h.Logs)
	r.Get("/ws", h.TerminalWS)

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

	registry.Drain("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
