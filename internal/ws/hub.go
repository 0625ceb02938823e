// Package ws pushes live triage updates to dashboard clients over
// WebSocket. The hub fans every event out to all connected sessions; a
// client that cannot keep up is dropped rather than allowed to stall the
// pipeline.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/sift/internal/issue"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds per-session queued messages before we give up on
	// the client.
	sendBuffer = 32
)

// Envelope is the wire format of every hub message. Type is one of
// state_update, error, connection, or ping.
type Envelope struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func newEnvelope(typ string, data any, message string) Envelope {
	return Envelope{Type: typ, Data: data, Message: message, Timestamp: time.Now().UTC()}
}

// Hub tracks connected sessions and broadcasts events to them. It
// implements the pipeline's broadcaster boundary.
type Hub struct {
	logger   log.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool

	gauge prometheus.Gauge
}

// session's send channel is never closed: readPump and the hub both write
// to it, so teardown is signalled through done instead. done is closed
// exactly once, by removeLocked.
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// New creates a hub. reg may be nil to skip the connected-clients gauge.
func New(logger log.Logger, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	h := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The dashboard is same-deployment; cross-origin policy is
			// enforced upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[*session]struct{}),
	}
	if reg != nil {
		h.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sift_ws_sessions",
			Help: "Currently connected WebSocket dashboard clients.",
		})
		reg.MustRegister(h.gauge)
	}
	return h
}

// ServeHTTP upgrades the request and services the session until the client
// disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}

	s := &session{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.sessions[s] = struct{}{}
	n := len(h.sessions)
	h.mu.Unlock()
	if h.gauge != nil {
		h.gauge.Inc()
	}
	h.logger.Info(ctx, "websocket client connected", "sessions", n)

	// Greet the client so it can confirm the stream is live.
	if ack, err := json.Marshal(newEnvelope("connection", map[string]string{"status": "connected"}, "")); err == nil {
		s.send <- ack
	}

	go h.writePump(s)
	h.readPump(ctx, s)
}

// StateUpdate broadcasts a state record change to all sessions. The payload
// is the full current snapshot, not a delta; clients that reconnect re-fetch
// instead of replaying.
func (h *Hub) StateUpdate(st *issue.State) {
	h.broadcast(newEnvelope("state_update", st, ""))
}

// PipelineError broadcasts a pipeline failure message to all sessions.
func (h *Hub) PipelineError(message string) {
	h.broadcast(newEnvelope("error", nil, message))
}

func (h *Hub) broadcast(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn(context.Background(), "broadcast marshal failed", "error", err, "type", env.Type)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		select {
		case s.send <- payload:
		default:
			// Slow consumer: cut it loose, the write pump exits on done.
			h.removeLocked(s)
		}
	}
}

// Close disconnects all sessions. Used during shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.sessions {
		h.removeLocked(s)
	}
}

func (h *Hub) drop(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

// removeLocked unregisters s if still present. The membership check under
// h.mu makes it the single closer of s.done regardless of which teardown
// paths race here.
func (h *Hub) removeLocked(s *session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	close(s.done)
	if h.gauge != nil {
		h.gauge.Dec()
	}
}

// readPump drains client frames. It services pong frames, answers the text
// "ping" keepalive some dashboard clients send, and detects disconnects.
func (h *Hub) readPump(ctx context.Context, s *session) {
	defer func() {
		h.drop(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(1024)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn(ctx, "websocket read failed", "error", err)
			}
			return
		}
		if string(bytes.TrimSpace(msg)) == "ping" {
			if pong, err := json.Marshal(newEnvelope("ping", nil, "pong")); err == nil {
				select {
				case s.send <- pong:
				default:
				}
			}
		}
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
