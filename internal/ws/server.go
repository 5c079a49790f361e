// Package ws is the socket layer: handshake auth, session lifecycle, and the
// dispatcher that routes inbound events through validation, permission, and
// the coordinator. It also implements the fan-out Sender consumed by the
// pub/sub listener.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/collabtodo/collab-engine/internal/auth"
	"github.com/collabtodo/collab-engine/internal/event"
	"github.com/collabtodo/collab-engine/internal/metrics"
	"github.com/collabtodo/collab-engine/internal/model"
	"github.com/collabtodo/collab-engine/internal/state"
)

// Engine is the coordinator surface the socket layer drives.
type Engine interface {
	EnsureUserLists(ctx context.Context, userID string) ([]model.TodoList, error)
	Snapshot(ctx context.Context, userID, listID string) (*model.ListSnapshot, error)
	CreateList(ctx context.Context, userID, name string) (*model.TodoList, *model.ListSnapshot, error)
	RenameList(ctx context.Context, userID, listID, name string) (model.Rev, error)
	DeleteList(ctx context.Context, userID, listID string) error
	ShareList(ctx context.Context, userID, listID, targetUserID string, role model.Role) (*model.ListSnapshot, error)
	UnshareList(ctx context.Context, userID, listID, targetUserID string) error
	AddItem(ctx context.Context, userID, listID string, item *model.TodoItem) (*model.TodoItem, model.Rev, error)
	UpdateItem(ctx context.Context, userID, listID, itemID string, patch model.ItemPatch, clientRev *model.Rev) (*model.TodoItem, model.Rev, error)
	DeleteItem(ctx context.Context, userID, listID, itemID string) (model.Rev, error)
}

// Server owns the socket endpoint and every live session on this node.
type Server struct {
	engine   Engine
	local    *state.Manager
	verifier *auth.Verifier
	met      *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewServer(engine Engine, local *state.Manager, verifier *auth.Verifier, met *metrics.Metrics, allowedOrigins []string) *Server {
	origins := make(map[string]struct{}, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = struct{}{}
	}

	return &Server{
		engine:   engine,
		local:    local,
		verifier: verifier,
		met:      met,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				_, ok := origins[origin]
				return ok
			},
		},
	}
}

// ServeHTTP is the socket handshake: authenticate, upgrade, register, start
// the pumps, and greet the client.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := srv.verifier.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("socket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		srv:    srv,
		ctx:    ctx,
		cancel: cancel,
	}

	srv.mu.Lock()
	srv.sessions[s.ID] = s
	srv.mu.Unlock()
	srv.local.AddConnection(s.ID, userID)
	srv.met.Connections.Inc()
	log.Info().Str("session", s.ID).Str("user", userID).Msg("session connected")

	go s.writePump()
	go s.readPump()

	srv.sendTo(s, event.Connected, &event.ConnectedPayload{SessionID: s.ID, UserID: userID})
}

func (srv *Server) dropSession(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s.ID)
	srv.mu.Unlock()
	srv.local.RemoveConnection(s.ID)
	srv.met.Connections.Dec()
	log.Info().Str("session", s.ID).Str("user", s.UserID).Msg("session disconnected")
}

// Send implements the pub/sub fan-out: one marshal, then a non-blocking push
// to every named session.
func (srv *Server) Send(sessionIDs []string, eventName string, payload any) {
	frame, err := marshalFrame(eventName, payload)
	if err != nil {
		log.Error().Err(err).Str("event", eventName).Msg("cannot marshal outbound frame")
		return
	}

	srv.mu.Lock()
	targets := make([]*Session, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		if s, ok := srv.sessions[sid]; ok {
			targets = append(targets, s)
		}
	}
	srv.mu.Unlock()

	for _, s := range targets {
		s.queue(frame)
		srv.met.EventsSent.WithLabelValues(eventName).Inc()
	}
}

// sendTo delivers one event to one session.
func (srv *Server) sendTo(s *Session, eventName string, payload any) {
	frame, err := marshalFrame(eventName, payload)
	if err != nil {
		log.Error().Err(err).Str("event", eventName).Msg("cannot marshal outbound frame")
		return
	}
	s.queue(frame)
	srv.met.EventsSent.WithLabelValues(eventName).Inc()
}

// Close tears down every live session, used on shutdown after the listener
// stopped.
func (srv *Server) Close() {
	srv.mu.Lock()
	all := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		all = append(all, s)
	}
	srv.mu.Unlock()

	for _, s := range all {
		s.close()
		s.conn.Close()
	}
}

func marshalFrame(eventName string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&event.Envelope{Event: eventName, Data: data})
}
