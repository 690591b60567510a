package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"inkpad/api/db/migrations"
	"inkpad/api/internal/collab"
	"inkpad/api/internal/config"
	"inkpad/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, migrations.Files); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	instanceID := uuid.NewString()
	var bus collab.Bus
	if redisBus, err := collab.NewRedisBus(cfg.RedisURL, instanceID); err != nil {
		// Degraded mode: this instance still serves its own sessions, it just
		// cannot relay to peers.
		log.Printf("redis unavailable, running without cross-instance relay: %v", err)
	} else {
		bus = redisBus
		defer redisBus.Close()
		log.Printf("instance %s joined the bus", instanceID)
	}

	registry := collab.NewRegistry(dataStore)
	flusher := collab.NewFlusher(registry, dataStore, cfg.FlushInterval)
	hub := collab.NewHub(registry, bus, flusher, collab.HubOptions{
		Secret:        []byte(cfg.JWTSecret),
		Directory:     dataStore,
		SendQueueSize: cfg.SendQueueSize,
		WriteTimeout:  cfg.WriteTimeout,
		IdleTimeout:   cfg.IdleTimeout,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go hub.Run(runCtx)
	go flusher.Run(runCtx)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           withCORS(cfg.CORSOrigin, hub.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Inkpad API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	hub.Shutdown()
	cancel()
	flusher.FlushAll(shutdownCtx)
}

func withCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
