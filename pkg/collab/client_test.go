package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/coder/websocket"
	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"
)

// envelopeRecorder collects envelopes delivered to a listener.
type envelopeRecorder struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (r *envelopeRecorder) listen(env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *envelopeRecorder) types() []protocol.MessageType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.MessageType, 0, len(r.envs))
	for _, env := range r.envs {
		out = append(out, env.Type)
	}
	return out
}

func (r *envelopeRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func TestConnectPresentsBearerToken(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	var states []State
	var mu sync.Mutex
	c.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})

	assert.Equal(t, c.Connect(context.Background()), true)
	assert.Equal(t, c.State(), StateConnected)
	waitFor(t, "server connection", func() bool { return srv.connCount() == 1 })

	srv.mu.Lock()
	assert.Equal(t, srv.auth[0], "Bearer tok")
	srv.mu.Unlock()

	// a second Connect reuses the open connection
	assert.Equal(t, c.Connect(context.Background()), true)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, srv.connCount(), 1)

	mu.Lock()
	assert.Equal(t, states, []State{StateDisconnected, StateConnecting, StateConnected})
	mu.Unlock()
}

func TestConnectWithoutCredential(t *testing.T) {
	srv := newFakeServer(t)
	c := NewClient(context.Background(), NewStaticTokens(""), testSettings(srv.url()), logging.Discard())
	defer c.Close()

	var reported error
	c.OnError(func(err error) { reported = err })

	assert.Equal(t, c.Connect(context.Background()), false)
	assert.Equal(t, c.State(), StateError)
	assert.Equal(t, errors.Is(reported, ErrNoCredential), true)
	assert.Equal(t, srv.connCount(), 0)
}

func TestSubscribeSendsAndRecords(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	assert.Equal(t, c.Subscribe(context.Background(), "task", "42"), true)
	waitFor(t, "subscribe", func() bool { return len(srv.receivedOfType(protocol.TypeSubscribe, false)) == 1 })

	got := srv.receivedOfType(protocol.TypeSubscribe, false)[0]
	assert.Equal(t, got.Channel, "task")
	assert.Equal(t, got.ResourceID, "42")
	assert.Equal(t, c.Subscriptions(), []Subscription{{Channel: "task", ResourceID: "42"}})

	assert.Equal(t, c.Unsubscribe(context.Background(), "task", "42"), true)
	waitFor(t, "unsubscribe", func() bool { return len(srv.receivedOfType(protocol.TypeUnsubscribe, false)) == 1 })
	assert.Equal(t, len(c.Subscriptions()), 0)
}

func TestListenersFanOut(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	publishes, all, removed := &envelopeRecorder{}, &envelopeRecorder{}, &envelopeRecorder{}
	c.On(protocol.TypePublish, publishes.listen)
	c.On(protocol.TypeAll, all.listen)
	off := c.On(protocol.TypePublish, removed.listen)
	off()
	off()

	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "server connection", func() bool { return srv.connCount() == 1 })

	env, _ := protocol.NewEnvelope(protocol.TypePublish, "project", "", map[string]string{"msg": "hi"})
	srv.pushEnvelope(env)
	srv.pushEnvelope(protocol.Envelope{Type: protocol.TypePong})

	waitFor(t, "delivery", func() bool { return all.len() == 2 })
	assert.Equal(t, publishes.types(), []protocol.MessageType{protocol.TypePublish})
	assert.Equal(t, all.types(), []protocol.MessageType{protocol.TypePublish, protocol.TypePong})
	assert.Equal(t, removed.len(), 0)
	assert.Equal(t, publishes.envs[0].Field("msg").String(), "hi")
}

func TestMalformedMessageIsDropped(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	all := &envelopeRecorder{}
	c.On(protocol.TypeAll, all.listen)
	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "server connection", func() bool { return srv.connCount() == 1 })

	srv.push([]byte("not json"))
	srv.push([]byte(`{"channel":"task"}`))
	srv.pushEnvelope(protocol.Envelope{Type: protocol.TypePong})

	waitFor(t, "pong", func() bool { return all.len() == 1 })
	assert.Equal(t, all.types(), []protocol.MessageType{protocol.TypePong})
	assert.Equal(t, c.State(), StateConnected)
}

func TestListenerPanicIsContained(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	after := &envelopeRecorder{}
	c.On(protocol.TypePong, func(protocol.Envelope) { panic("listener bug") })
	c.On(protocol.TypeAll, after.listen)
	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "server connection", func() bool { return srv.connCount() == 1 })

	srv.pushEnvelope(protocol.Envelope{Type: protocol.TypePong})
	srv.pushEnvelope(protocol.Envelope{Type: protocol.TypePong})

	waitFor(t, "both pongs", func() bool { return after.len() == 2 })
	assert.Equal(t, c.State(), StateConnected)
}

func TestPresenceIsTracked(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))
	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "server connection", func() bool { return srv.connCount() == 1 })

	env, _ := protocol.NewEnvelope(protocol.TypePresence, "", "", presence.Format("bob", presence.StatusOnline, nil))
	srv.pushEnvelope(env)

	waitFor(t, "presence", func() bool {
		_, ok := c.Presence().Get("bob")
		return ok
	})
	data, _ := c.Presence().Get("bob")
	assert.Equal(t, data.Status, presence.StatusOnline)
}

func TestAcquireEditLock(t *testing.T) {
	srv := newFakeServer(t)
	srv.setRespond(func(env protocol.Envelope) []protocol.Envelope {
		if env.Type != protocol.TypeLockAcquire {
			return nil
		}
		reply, _ := protocol.NewEnvelope(protocol.TypeLockResponse, env.Channel, env.ResourceID, protocol.LockResult{
			Success: true,
			LockID:  "task:42:intro",
		})
		reply.RequestID = env.RequestID
		return []protocol.Envelope{reply}
	})
	c := newTestClient(t, testSettings(srv.url()))

	result := c.AcquireEditLock(context.Background(), "task", "42", "intro")
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.LockID, "task:42:intro")
	assert.Equal(t, c.requests.len(), 0)

	sent := srv.receivedOfType(protocol.TypeLockAcquire, false)[0]
	assert.Equal(t, sent.Field("sectionId").String(), "intro")
	assert.NotEqual(t, sent.RequestID, "")
}

func TestAcquireEditLockTimesOut(t *testing.T) {
	srv := newFakeServer(t)
	settings := testSettings(srv.url())
	settings.RequestTimeout = 50 * time.Millisecond
	c := newTestClient(t, settings)

	result := c.AcquireEditLock(context.Background(), "task", "42", "")
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Error, protocol.ErrTimedOut)
	assert.Equal(t, result.TimedOut(), true)
	assert.Equal(t, c.requests.len(), 0)
}

func TestRequestResolvedByErrorEnvelope(t *testing.T) {
	srv := newFakeServer(t)
	srv.setRespond(func(env protocol.Envelope) []protocol.Envelope {
		reply, _ := protocol.NewEnvelope(protocol.TypeError, "", "", protocol.ErrorPayload{
			Code:    protocol.ErrorCodeForbidden,
			Message: "missing permission",
		})
		reply.RequestID = env.RequestID
		return []protocol.Envelope{reply}
	})
	c := newTestClient(t, testSettings(srv.url()))

	var reported atomic.Int32
	c.OnError(func(error) { reported.Add(1) })

	result := c.AcquireEditLock(context.Background(), "task", "42", "")
	assert.Equal(t, result.Success, false)
	assert.Equal(t, result.Error, "server error forbidden: missing permission")
	// a correlated error goes to the caller, not the error listeners
	assert.Equal(t, reported.Load(), int32(0))
}

func TestHeartbeatSendsPing(t *testing.T) {
	srv := newFakeServer(t)
	settings := testSettings(srv.url())
	settings.HeartbeatInterval = 10 * time.Millisecond
	c := newTestClient(t, settings)

	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "ping", func() bool { return len(srv.receivedOfType(protocol.TypePing, false)) >= 2 })
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "server connection", func() bool { return srv.connCount() == 1 })

	c.Disconnect()
	assert.Equal(t, c.State(), StateDisconnected)
	waitFor(t, "server saw close", func() bool { return len(srv.closeStatuses()) == 1 })
	assert.Equal(t, srv.closeStatuses()[0], websocket.StatusNormalClosure)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, srv.connCount(), 1)
	assert.Equal(t, c.State(), StateDisconnected)
	assert.Equal(t, c.Publish(context.Background(), "project", nil), true)
	waitFor(t, "explicit reconnect", func() bool { return srv.connCount() == 2 })
}

func TestNormalServerCloseDoesNotReconnect(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "server connection", func() bool { return srv.connCount() == 1 })

	srv.lastConn().Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "disconnected", func() bool { return c.State() == StateDisconnected })

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, srv.connCount(), 1)
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	assert.Equal(t, c.Subscribe(context.Background(), "task", "42"), true)
	assert.Equal(t, c.Subscribe(context.Background(), "project", ""), true)
	waitFor(t, "subscribes", func() bool { return len(srv.receivedOfType(protocol.TypeSubscribe, false)) == 2 })
	srv.receivedOfType(protocol.TypeSubscribe, true)

	var lost atomic.Int32
	c.OnError(func(error) { lost.Add(1) })
	srv.lastConn().Close(websocket.StatusInternalError, "boom")

	waitFor(t, "second connection", func() bool { return srv.connCount() == 2 })
	waitFor(t, "replayed subscribes", func() bool { return len(srv.receivedOfType(protocol.TypeSubscribe, false)) == 2 })
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })

	got := map[string]bool{}
	for _, env := range srv.receivedOfType(protocol.TypeSubscribe, false) {
		got[protocol.RoomKey(env.Channel, env.ResourceID)] = true
	}
	assert.Equal(t, got, map[string]bool{"task:42": true, "project": true})
	assert.Equal(t, lost.Load() >= 1, true)
}

// countingTokens never has a credential and counts how often it is asked.
type countingTokens struct {
	calls atomic.Int32
}

func (c *countingTokens) CurrentToken() (string, bool) {
	c.calls.Add(1)
	return "", false
}

func (c *countingTokens) RefreshToken(context.Context) bool { return false }

func TestReconnectFailsAfterMaxAttempts(t *testing.T) {
	tokens := &countingTokens{}
	settings := testSettings("ws://127.0.0.1:1/ws")
	c := NewClient(context.Background(), tokens, settings, logging.Discard())
	defer c.Close()

	var exhausted atomic.Bool
	c.OnError(func(err error) {
		if errors.Is(err, ErrReconnectExhausted) {
			exhausted.Store(true)
		}
	})

	assert.Equal(t, c.Reconnect(context.Background()), false)
	assert.Equal(t, c.State(), StateFailed)
	assert.Equal(t, tokens.calls.Load(), int32(5))
	assert.Equal(t, exhausted.Load(), true)
}

func TestReconnectIsNotReentrant(t *testing.T) {
	c := NewClient(context.Background(), NewStaticTokens("tok"), testSettings("ws://127.0.0.1:1/ws"), logging.Discard())
	defer c.Close()

	c.reconnecting.Store(true)
	assert.Equal(t, c.Reconnect(context.Background()), false)
	assert.Equal(t, c.State(), StateDisconnected)
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	settings := testSettings("ws://127.0.0.1:1/ws")
	settings.BaseDelay = time.Hour
	settings.MaxDelay = time.Hour
	c := NewClient(context.Background(), NewStaticTokens("tok"), settings, logging.Discard())
	defer c.Close()

	done := make(chan bool)
	go func() { done <- c.Reconnect(context.Background()) }()

	waitFor(t, "reconnect started", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.stopReconnect != nil
	})
	c.Disconnect()

	select {
	case ok := <-done:
		assert.Equal(t, ok, false)
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect did not stop")
	}
	assert.Equal(t, c.State(), StateDisconnected)
}

func TestUserIDFromSettingsOrToken(t *testing.T) {
	c := NewClient(context.Background(), NewStaticTokens("not-a-jwt"), &Settings{UserID: "alice"}, logging.Discard())
	assert.Equal(t, c.UserID(), "alice")

	c = NewClient(context.Background(), NewStaticTokens("not-a-jwt"), &Settings{}, logging.Discard())
	assert.Equal(t, c.UserID(), "")
}

func TestUnsubscribeConnectsLazily(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))
	c.registry.Add("task", "42")
	c.registry.Add("project", "")

	assert.Equal(t, c.Unsubscribe(context.Background(), "task", "42"), true)
	waitFor(t, "unsubscribe", func() bool { return len(srv.receivedOfType(protocol.TypeUnsubscribe, false)) == 1 })
	assert.Equal(t, c.State(), StateConnected)

	// only what is still recorded is replayed on the new connection
	subs := srv.receivedOfType(protocol.TypeSubscribe, false)
	assert.Equal(t, len(subs), 1)
	assert.Equal(t, subs[0].Channel, "project")
	assert.Equal(t, c.Subscriptions(), []Subscription{{Channel: "project"}})
}

func TestConnectReplaysRegistryAfterCleanClose(t *testing.T) {
	srv := newFakeServer(t)
	c := newTestClient(t, testSettings(srv.url()))

	assert.Equal(t, c.Subscribe(context.Background(), "task", "42"), true)
	waitFor(t, "subscribe", func() bool { return len(srv.receivedOfType(protocol.TypeSubscribe, false)) == 1 })
	srv.receivedOfType(protocol.TypeSubscribe, true)

	srv.lastConn().Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "disconnected", func() bool { return c.State() == StateDisconnected })

	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "second connection", func() bool { return srv.connCount() == 2 })
	waitFor(t, "replayed subscribe", func() bool { return len(srv.receivedOfType(protocol.TypeSubscribe, false)) == 1 })

	got := srv.receivedOfType(protocol.TypeSubscribe, false)[0]
	assert.Equal(t, protocol.RoomKey(got.Channel, got.ResourceID), "task:42")
}

func signedToken(t *testing.T, expires time.Time) string {
	t.Helper()
	token, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: gojwt.NewNumericDate(expires),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestRefreshFailureTriggersReconnect(t *testing.T) {
	srv := newFakeServer(t)
	tokens := NewStaticTokens(signedToken(t, time.Now().Add(61*time.Second)))
	var calls atomic.Int32
	tokens.RefreshFunc = func(context.Context, string) (string, error) {
		calls.Add(1)
		return "", errors.New("session revoked")
	}
	c := NewClient(context.Background(), tokens, testSettings(srv.url()), logging.Discard())
	defer c.Close()

	var refreshFailed atomic.Bool
	c.OnError(func(err error) {
		if errors.Is(err, ErrRefreshFailed) {
			refreshFailed.Store(true)
		}
	})

	assert.Equal(t, c.Connect(context.Background()), true)
	waitForWithin(t, "reconnect after failed refresh", 5*time.Second, func() bool { return srv.connCount() == 2 })
	assert.Equal(t, calls.Load() >= 1, true)
	assert.Equal(t, refreshFailed.Load(), true)
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
}

func TestRefreshReschedulesFromNewToken(t *testing.T) {
	srv := newFakeServer(t)
	tokens := NewStaticTokens(signedToken(t, time.Now().Add(61*time.Second)))
	fresh := signedToken(t, time.Now().Add(time.Hour))
	var calls atomic.Int32
	tokens.RefreshFunc = func(context.Context, string) (string, error) {
		calls.Add(1)
		return fresh, nil
	}
	c := NewClient(context.Background(), tokens, testSettings(srv.url()), logging.Discard())
	t.Cleanup(c.Close)

	assert.Equal(t, c.Connect(context.Background()), true)
	waitForWithin(t, "refresh", 5*time.Second, func() bool { return calls.Load() == 1 })

	current, ok := tokens.CurrentToken()
	assert.Equal(t, ok, true)
	assert.Equal(t, current, fresh)

	// the next refresh is an hour out, so nothing else happens
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, calls.Load(), int32(1))
	assert.Equal(t, srv.connCount(), 1)
	assert.Equal(t, c.State(), StateConnected)
}

func TestRefreshKeepsFollowingShortLivedTokens(t *testing.T) {
	srv := newFakeServer(t)
	tokens := NewStaticTokens(signedToken(t, time.Now().Add(61*time.Second)))
	var calls atomic.Int32
	tokens.RefreshFunc = func(context.Context, string) (string, error) {
		calls.Add(1)
		return signedToken(t, time.Now().Add(61*time.Second)), nil
	}
	c := NewClient(context.Background(), tokens, testSettings(srv.url()), logging.Discard())
	t.Cleanup(c.Close)

	assert.Equal(t, c.Connect(context.Background()), true)
	waitForWithin(t, "second refresh", 6*time.Second, func() bool { return calls.Load() >= 2 })
	assert.Equal(t, srv.connCount(), 1)
}

func TestHeartbeatFailureTriggersReconnect(t *testing.T) {
	srv := newFakeServer(t)
	settings := testSettings(srv.url())
	settings.HeartbeatInterval = 10 * time.Millisecond
	c := newTestClient(t, settings)

	assert.Equal(t, c.Connect(context.Background()), true)
	waitFor(t, "server connection", func() bool { return srv.connCount() == 1 })

	dead := transport.NewConnection(context.Background(), nil, nil, transport.ConnectionConfig{}, nil, nil, logging.Discard())
	dead.Close(nil)
	c.heartbeat(context.Background(), dead)

	waitFor(t, "reconnect after failed ping", func() bool { return srv.connCount() == 2 })
	waitFor(t, "connected", func() bool { return c.State() == StateConnected })
}
