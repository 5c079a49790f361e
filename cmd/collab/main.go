package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/auth"
	"github.com/collabtodo/collab-engine/internal/cache"
	"github.com/collabtodo/collab-engine/internal/config"
	"github.com/collabtodo/collab-engine/internal/coordinator"
	"github.com/collabtodo/collab-engine/internal/db"
	"github.com/collabtodo/collab-engine/internal/httpapi"
	"github.com/collabtodo/collab-engine/internal/metrics"
	"github.com/collabtodo/collab-engine/internal/permission"
	"github.com/collabtodo/collab-engine/internal/pubsub"
	"github.com/collabtodo/collab-engine/internal/repo"
	"github.com/collabtodo/collab-engine/internal/state"
	"github.com/collabtodo/collab-engine/internal/writer"
	"github.com/collabtodo/collab-engine/internal/ws"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "collab-engine").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Pretty logging for local dev
	if cfg.Dev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx := context.Background()

	// Durable store (L3)
	pool, err := db.Open(ctx, cfg.DurableStoreURL, cfg.DurableStoreKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to durable store")
	}
	defer pool.Close()

	// Shared store (L2) with mutation scripts and the fan-out channel
	store, err := cache.Open(ctx, cfg.SharedStoreURL, cfg.PubSubChannel, cfg.StoreOpTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to shared store")
	}
	defer store.Close()

	lists := repo.NewLists(pool)
	items := repo.NewItems(pool)
	local := state.NewManager()
	met := metrics.New()

	worker := writer.New(lists, items, met, cfg.WriterQueueSize, cfg.WriterShutdownDrain)
	worker.Start()

	co := coordinator.New(local, store, lists, items, permission.NewService(lists), worker, met)

	verifier := auth.NewVerifier(cfg.AuthSecret, cfg.Dev())
	socket := ws.NewServer(co, local, verifier, met, cfg.CORSOrigins)

	listenerCtx, stopListener := context.WithCancel(ctx)
	listener := pubsub.NewListener(local, store, store, socket, met)
	go listener.Run(listenerCtx)

	ops := &httpapi.Server{
		Local:    local,
		Store:    store,
		Worker:   worker,
		Listener: listener,
		Flusher:  co,
		Metrics:  met,
		Socket:   socket,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     ops.Routes(cfg.CORSOrigins),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM, in reverse order: stop accepting
	// connections, stop the listener, close sessions, drain the write queue,
	// close stores. The listener goes first so no fan-out targets a session
	// being torn down.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	stopListener()
	socket.Close()
	worker.Stop()

	log.Info().Msg("server stopped")
}
