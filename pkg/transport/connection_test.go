package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// echoServer writes every message it receives straight back.
func echoServer(t *testing.T) string {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			typ, msg, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialRejectsBadToken(t *testing.T) {
	url := echoServer(t)
	_, err := Dial(context.Background(), url, "wrong", DialOptions{HandshakeTimeout: time.Second})
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected status in error, got %v", err)
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	url := echoServer(t)
	ws, err := Dial(context.Background(), url, "secret", DialOptions{HandshakeTimeout: time.Second})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	received := make(chan string, 4)
	var wg sync.WaitGroup
	conn := NewConnection(context.Background(), &wg, ws, ConnectionConfig{WriteTimeout: time.Second},
		func(_ context.Context, _ uuid.UUID, msg []byte) { received <- string(msg) },
		nil, logging.Discard())
	conn.Run()
	conn.Run()

	for _, msg := range []string{"one", "two"} {
		if err := conn.Send([]byte(msg)); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	for _, want := range []string{"one", "two"} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("expected %q, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	conn.Close(nil)
	<-conn.Done()
	wg.Wait()
	if conn.Err() != nil {
		t.Errorf("expected nil close reason, got %v", conn.Err())
	}
	if err := conn.Send([]byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnectionReportsRemoteClose(t *testing.T) {
	var serverConn *websocket.Conn
	accepted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverConn = conn
		close(accepted)
		conn.Read(r.Context())
	}))
	defer srv.Close()

	ws, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "", DialOptions{})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	closed := make(chan error, 1)
	conn := NewConnection(context.Background(), nil, ws, ConnectionConfig{}, nil,
		func(_ uuid.UUID, err error) { closed <- err }, logging.Discard())
	conn.Run()

	<-accepted
	serverConn.Close(websocket.StatusInternalError, "boom")

	select {
	case err := <-closed:
		if websocket.CloseStatus(err) != websocket.StatusInternalError {
			t.Errorf("expected internal error status, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not called")
	}
}

func TestCloseSendsNormalClosure(t *testing.T) {
	status := make(chan websocket.StatusCode, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				status <- websocket.CloseStatus(err)
				return
			}
		}
	}))
	defer srv.Close()

	for i := 0; i < 5; i++ {
		ws, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "", DialOptions{})
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		conn := NewConnection(context.Background(), nil, ws, ConnectionConfig{}, nil, nil, logging.Discard())
		conn.Run()
		conn.Close(nil)

		select {
		case got := <-status:
			if got != websocket.StatusNormalClosure {
				t.Fatalf("run %d: expected normal closure, server saw %v", i, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d: server never saw the close", i)
		}
	}
}
