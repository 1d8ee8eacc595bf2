// Package observer streams governance events to websocket observers.
package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/metrics"
	"marscolony.ai/internal/protocol"
)

const defaultQueue = 256

// Server is a websocket hub. Every connected observer receives every
// broadcast; observers that fall behind lose messages rather than slow the
// caller.
type Server struct {
	log     *logger.Logger
	metrics *metrics.Metrics
	queue   int

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]chan []byte
	dropped  atomic.Uint64
}

type Option func(*Server)

func WithLogger(l *logger.Logger) Option    { return func(s *Server) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }
func WithQueue(n int) Option                { return func(s *Server) { s.queue = n } }

func NewServer(opts ...Option) *Server {
	s := &Server{
		log:      logger.Nop(),
		queue:    defaultQueue,
		sessions: map[string]chan []byte{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.queue <= 0 {
		s.queue = defaultQueue
	}
	s.log = s.log.With("component", "observer")
	return s
}

// Broadcast encodes msg once and queues it for every session.
func (s *Server) Broadcast(msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode broadcast", "error", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sid, out := range s.sessions {
		select {
		case out <- b:
		default:
			s.dropped.Add(1)
			s.log.Debug("observer queue full; message dropped", "session", sid)
		}
	}
}

// Sessions reports connected observers.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Dropped reports messages dropped for slow observers.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) join() (string, chan []byte) {
	sid := uuid.NewString()
	out := make(chan []byte, s.queue)
	s.mu.Lock()
	s.sessions[sid] = out
	n := len(s.sessions)
	s.mu.Unlock()
	s.gauge(n)
	return sid, out
}

func (s *Server) leave(sid string) {
	s.mu.Lock()
	delete(s.sessions, sid)
	n := len(s.sessions)
	s.mu.Unlock()
	s.gauge(n)
}

func (s *Server) gauge(n int) {
	if s.metrics != nil {
		s.metrics.Observers.Set(float64(n))
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid, out := s.join()
		defer s.leave(sid)
		s.log.Info("observer connected", "session", sid, "remote", r.RemoteAddr)

		if err := writeJSON(conn, protocol.WelcomeMsg{Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, SessionID: sid}); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeDone := make(chan struct{})
		go func() {
			defer close(writeDone)
			ping := time.NewTicker(30 * time.Second)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop: observers only send pings and pongs; anything else is
		// ignored.
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeDone:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Info("observer disconnected", "session", sid)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
