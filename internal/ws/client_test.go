package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDialConnects(t *testing.T) {
	t.Parallel()

	h := New(nil, nil)
	url := serveTest(t, h)

	conn, err := Dial(context.Background(), url, 3)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	env := readEnvelope(t, conn)
	if env.Type != "connection" {
		t.Fatalf("first message type = %q, want connection", env.Type)
	}
}

func TestDialGivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	// Grab a port, then shut the listener down so every dial is refused.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Dial(context.Background(), url, 2)
	if err == nil {
		t.Fatal("Dial succeeded against a dead endpoint")
	}
	if !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("error = %v, want attempt budget in message", err)
	}
}
