package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linnemanlabs/sift/internal/issue"
)

func serveTest(t *testing.T, h *Hub) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(serveTest(t, h), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", payload, err)
	}
	return env
}

func TestConnectionAck(t *testing.T) {
	t.Parallel()

	h := New(nil, nil)
	conn := dialTest(t, h)

	env := readEnvelope(t, conn)
	if env.Type != "connection" {
		t.Fatalf("first message type = %q, want connection", env.Type)
	}
}

func TestStateUpdateBroadcast(t *testing.T) {
	t.Parallel()

	h := New(nil, nil)
	a := dialTest(t, h)
	b := dialTest(t, h)
	readEnvelope(t, a) // acks
	readEnvelope(t, b)

	h.StateUpdate(&issue.State{
		ID:      "01TEST",
		IssueID: "acme/widgets#42",
		Stage:   issue.StageClassifying,
	})

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		if env.Type != "state_update" {
			t.Fatalf("type = %q, want state_update", env.Type)
		}
		data, _ := json.Marshal(env.Data)
		var st issue.State
		if err := json.Unmarshal(data, &st); err != nil {
			t.Fatalf("unmarshal state: %v", err)
		}
		if st.Stage != issue.StageClassifying {
			t.Errorf("stage = %q, want classifying", st.Stage)
		}
	}
}

func TestPipelineErrorBroadcast(t *testing.T) {
	t.Parallel()

	h := New(nil, nil)
	conn := dialTest(t, h)
	readEnvelope(t, conn)

	h.PipelineError("issue acme/widgets#7: classification failed")

	env := readEnvelope(t, conn)
	if env.Type != "error" {
		t.Fatalf("type = %q, want error", env.Type)
	}
	if env.Message != "issue acme/widgets#7: classification failed" {
		t.Errorf("message = %q", env.Message)
	}
	if env.Timestamp.IsZero() {
		t.Error("envelope missing timestamp")
	}
}

func TestPingAnswered(t *testing.T) {
	t.Parallel()

	h := New(nil, nil)
	conn := dialTest(t, h)
	readEnvelope(t, conn) // ack

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != "ping" || env.Message != "pong" {
		t.Fatalf("reply = %+v, want ping/pong", env)
	}
}

func TestDisconnectedClientIsDropped(t *testing.T) {
	t.Parallel()

	h := New(nil, nil)
	conn := dialTest(t, h)
	readEnvelope(t, conn)
	conn.Close()

	// The broadcast path must not block or panic on the dead session.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.PipelineError("poke")
		h.mu.Lock()
		n := len(h.sessions)
		h.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("dead session was never dropped")
}

func TestKeepaliveAfterSlowConsumerDrop(t *testing.T) {
	t.Parallel()

	h := New(nil, nil)
	s := &session{send: make(chan []byte, 1), done: make(chan struct{})}
	h.sessions[s] = struct{}{}

	// Fill the buffer so the next broadcast treats the session as slow.
	s.send <- []byte("backlog")
	h.PipelineError("overflow")

	select {
	case <-s.done:
	default:
		t.Fatal("slow consumer was not dropped")
	}

	// The keepalive reply still writes to send after the drop; it must
	// neither panic nor block.
	pong, err := json.Marshal(newEnvelope("ping", nil, "pong"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	select {
	case s.send <- pong:
	default:
	}

	// Shutdown racing the already-dropped session is a no-op.
	h.Close()
}

func TestCloseDisconnectsClients(t *testing.T) {
	t.Parallel()

	h := New(nil, nil)
	conn := dialTest(t, h)
	readEnvelope(t, conn)

	h.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected close after hub shutdown")
	}
}
