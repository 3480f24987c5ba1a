package collab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/coder/websocket"
)

// fakeServer accepts client connections and records what they send.
// respond, when set, produces replies for each inbound envelope.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	auth     []string
	received []protocol.Envelope
	closes   []websocket.StatusCode
	respond  func(env protocol.Envelope) []protocol.Envelope
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{t: t}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	ctx := r.Context()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			f.closes = append(f.closes, websocket.CloseStatus(err))
			f.mu.Unlock()
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, env)
		respond := f.respond
		f.mu.Unlock()

		if respond == nil {
			continue
		}
		for _, reply := range respond(env) {
			out, _ := reply.Encode()
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}
}

func (f *fakeServer) setRespond(fn func(env protocol.Envelope) []protocol.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeServer) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// closeStatuses returns the close code seen for each finished connection.
func (f *fakeServer) closeStatuses() []websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]websocket.StatusCode(nil), f.closes...)
}

func (f *fakeServer) lastConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

// push writes raw to the most recent connection.
func (f *fakeServer) push(raw []byte) {
	f.t.Helper()
	if err := f.lastConn().Write(context.Background(), websocket.MessageText, raw); err != nil {
		f.t.Fatalf("push failed: %v", err)
	}
}

func (f *fakeServer) pushEnvelope(env protocol.Envelope) {
	f.t.Helper()
	raw, err := env.Encode()
	if err != nil {
		f.t.Fatalf("encode failed: %v", err)
	}
	f.push(raw)
}

// receivedOfType returns the envelopes of typ seen so far, and clears the
// record when reset is set.
func (f *fakeServer) receivedOfType(typ protocol.MessageType, reset bool) []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range f.received {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	if reset {
		f.received = nil
	}
	return out
}

func testSettings(url string) *Settings {
	s := DefaultSettings(url)
	s.HeartbeatInterval = 0
	s.BaseDelay = time.Millisecond
	s.MaxDelay = 10 * time.Millisecond
	s.Jitter = 0
	s.RequestTimeout = time.Second
	s.HandshakeTimeout = time.Second
	return s
}

func newTestClient(t *testing.T, settings *Settings) *Client {
	c := NewClient(context.Background(), NewStaticTokens("tok"), settings, logging.Discard())
	t.Cleanup(c.Close)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	waitForWithin(t, what, 3*time.Second, cond)
}

func waitForWithin(t *testing.T, what string, limit time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
