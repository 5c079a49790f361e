// Package httpapi is the operational surface exposed alongside the socket:
// health, readiness, metrics, cache inspection, and manual cache recovery.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/metrics"
	"github.com/collabtodo/collab-engine/internal/state"
	"github.com/collabtodo/collab-engine/internal/writer"
)

// StorePinger checks shared-store liveness.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// WorkerStatus is the write-behind worker's health surface.
type WorkerStatus interface {
	Running() bool
	Stats() writer.Stats
}

// ListenerStatus is the pub/sub listener's health surface.
type ListenerStatus interface {
	Running() bool
}

// CacheFlusher drops both cache tiers for manual recovery.
type CacheFlusher interface {
	FlushCache(ctx context.Context) (int, error)
}

// Server holds the dependencies of the operational handlers.
type Server struct {
	Local    *state.Manager
	Store    StorePinger
	Worker   WorkerStatus
	Listener ListenerStatus
	Flusher  CacheFlusher
	Metrics  *metrics.Metrics
	Socket   http.Handler
}

type healthResp struct {
	Status     string          `json:"status"`
	Subsystems map[string]bool `json:"subsystems"`
	Worker     writer.Stats    `json:"write_worker"`
	Conns      state.ConnStats `json:"connections"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// Routes builds the router: the socket endpoint plus the operational
// endpoints, CORS-wrapped for browser dashboards.
func (s *Server) Routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.Socket != nil {
		r.Handle("/ws", s.Socket)
	}

	r.Get("/health", s.Health)
	r.Get("/ready", s.Ready)
	r.Get("/cache", s.Cache)
	r.Get("/rooms", s.Rooms)
	r.Post("/cache/flush", s.FlushCache)
	r.Handle("/metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))

	c := cors.New(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	log.Info().Msg("HTTP routes registered")
	return c.Handler(r)
}

// Health reports overall status plus per-subsystem flags. A degraded store or
// stopped worker still answers 200; /ready is the gate for load balancers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := s.Store.Ping(ctx) == nil
	workerOK := s.Worker.Running()
	listenerOK := s.Listener.Running()

	status := "ok"
	if !storeOK || !workerOK || !listenerOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, &healthResp{
		Status: status,
		Subsystems: map[string]bool{
			"shared_store":    storeOK,
			"write_worker":    workerOK,
			"pubsub_listener": listenerOK,
		},
		Worker: s.Worker.Stats(),
		Conns:  s.Local.Stats(),
	})
}

// Ready fails until the pub/sub listener and the write worker are live.
func (s *Server) Ready(w http.ResponseWriter, _ *http.Request) {
	if !s.Worker.Running() || !s.Listener.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":           false,
			"write_worker":    s.Worker.Running(),
			"pubsub_listener": s.Listener.Running(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// Cache summarizes the local cache entries.
func (s *Server) Cache(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"lists": s.Local.CacheSummary()})
}

// Rooms reports local subscriber counts per list.
func (s *Server) Rooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.Local.Rooms()})
}

// FlushCache drops both cache tiers; the next read rebuilds from the durable
// store.
func (s *Server) FlushCache(w http.ResponseWriter, r *http.Request) {
	n, err := s.Flusher.FlushCache(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("cache flush failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "flush failed", "flushed": n})
		return
	}
	log.Info().Int("lists", n).Msg("caches flushed by operator")
	writeJSON(w, http.StatusOK, map[string]any{"flushed": n})
}
