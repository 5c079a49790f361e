package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period, must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 64 * 1024

	// Outbound buffer per session.
	sendBuffer = 256
)

// Session is one authenticated socket connection. Inbound events are handled
// one at a time on the read pump; outbound frames go through a buffered
// channel drained by the write pump.
type Session struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	srv    *Server
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// queue enqueues a marshaled frame without blocking. The fan-out path may
// still hold a session that disconnected mid-loop, so sends after close are
// dropped, never panicked. A full buffer means the client cannot keep up; the
// frame is dropped and counted, the next snapshot reconciles the client.
func (s *Session) queue(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- frame:
	default:
		s.srv.met.OutboundDropped.Inc()
		log.Warn().Str("session", s.ID).Str("user", s.UserID).Msg("send buffer full, dropping frame")
	}
}

// close tears the session down once: deregisters it, cancels in-flight work,
// and wakes the write pump. The closed flag and the channel close share one
// critical section with queue.
func (s *Session) close() {
	s.once.Do(func() {
		s.cancel()
		s.srv.dropSession(s)
		s.mu.Lock()
		s.closed = true
		close(s.send)
		s.mu.Unlock()
	})
}

func (s *Session) readPump() {
	defer func() {
		s.close()
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("session", s.ID).Msg("socket read failed")
			}
			return
		}
		s.srv.handleFrame(s, raw)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn().Err(err).Str("session", s.ID).Msg("socket write failed")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
