package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-essam23/go-collab/pkg/observable"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/cenkalti/backoff"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	ErrNoCredential       = errors.New("no credential available")
	ErrNotConnected       = errors.New("not connected")
	ErrClientClosed       = errors.New("client closed")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrRefreshFailed      = errors.New("token refresh failed")
)

// State is the connection state of a Client.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
	StateFailed       State = "failed"
)

// minRefreshDelay keeps a token that is already inside its refresh lead
// from spinning the refresh loop.
const minRefreshDelay = time.Second

type Settings struct {
	URL string
	// UserID overrides the subject claim of the current token.
	UserID string

	HeartbeatInterval time.Duration
	RefreshLead       time.Duration

	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
	// zero retries forever
	MaxReconnectAttempts int

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration

	Transport transport.ConnectionConfig
}

func DefaultSettings(url string) *Settings {
	return &Settings{
		URL:                  url,
		HeartbeatInterval:    30 * time.Second,
		RefreshLead:          60 * time.Second,
		BaseDelay:            1 * time.Second,
		MaxDelay:             30 * time.Second,
		Jitter:               1 * time.Second,
		MaxReconnectAttempts: 5,
		RequestTimeout:       10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		Transport: transport.ConnectionConfig{
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Listener receives inbound envelopes. Listeners run on the connection's
// read goroutine, in arrival order, and must not block.
type Listener func(env protocol.Envelope)

// Client is a long-lived connection to the collaboration server. It keeps
// the subscription registry, presence map and pending requests across
// reconnects.
type Client struct {
	settings *Settings
	tokens   TokenStore
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// connectMu serializes dialing; mu guards the fields below it.
	connectMu   sync.Mutex
	mu          sync.Mutex
	conn        *transport.Connection
	stopSession context.CancelFunc
	// cancels a reconnect loop in progress
	stopReconnect context.CancelFunc

	reconnecting atomic.Bool

	state     *observable.Value[State]
	errors    *callbackList[error]
	listeners sync.Map // protocol.MessageType -> *callbackList[protocol.Envelope]
	registry  *Registry
	presence  *presence.Tracker
	requests  *pendingRequests
}

func NewClient(ctx context.Context, tokens TokenStore, settings *Settings, logger *slog.Logger) *Client {
	cctx, cancel := context.WithCancel(ctx)
	return &Client{
		settings: settings,
		tokens:   tokens,
		logger:   logger.With(slog.String("component", "collab"), slog.String("url", settings.URL)),
		ctx:      cctx,
		cancel:   cancel,
		state:    observable.NewValue(StateDisconnected),
		errors:   newCallbackList[error](),
		registry: NewRegistry(),
		presence: presence.NewTracker(),
		requests: newPendingRequests(),
	}
}

// Connect opens the connection if there is none. It reports whether the
// client is connected afterwards.
func (c *Client) Connect(ctx context.Context) bool {
	return c.connect(ctx, true)
}

// connect dials when there is no connection. Every fresh dial replays the
// registry before the client is announced as connected, whether it came
// from Connect, a lazy send or Reconnect.
func (c *Client) connect(ctx context.Context, announce bool) bool {
	if c.current() != nil {
		return true
	}
	c.setState(StateConnecting)
	_, fresh, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("Connect failed", slog.Any("error", err))
		c.setState(StateError)
		c.reportError(err)
		return false
	}
	if fresh && c.registry.Len() > 0 {
		if err := c.registry.Restore(ctx, c.send); err != nil {
			c.logger.Warn("Failed to restore subscriptions", slog.Any("error", err))
		}
	}
	if announce {
		c.setState(StateConnected)
	}
	return true
}

// dial opens a connection unless one exists. fresh reports whether this
// call opened it.
func (c *Client) dial(ctx context.Context) (conn *transport.Connection, fresh bool, err error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if conn := c.current(); conn != nil {
		return conn, false, nil
	}
	if c.ctx.Err() != nil {
		return nil, false, ErrClientClosed
	}
	token, ok := c.tokens.CurrentToken()
	if !ok || token == "" {
		return nil, false, ErrNoCredential
	}

	ws, err := transport.Dial(ctx, c.settings.URL, token, transport.DialOptions{
		HandshakeTimeout: c.settings.HandshakeTimeout,
	})
	if err != nil {
		return nil, false, err
	}

	conn = transport.NewConnection(c.ctx, &c.wg, ws, c.settings.Transport, c.handleMessage, c.handleClose, c.logger)
	sessionCtx, stop := context.WithCancel(c.ctx)

	c.mu.Lock()
	c.conn = conn
	c.stopSession = stop
	c.mu.Unlock()

	conn.Run()
	go c.heartbeat(sessionCtx, conn)
	go c.refreshLoop(sessionCtx, token)

	c.logger.Info("Connected", slog.String("connID", conn.ID().String()))
	return conn, true, nil
}

// Disconnect closes the connection on purpose. No reconnect follows.
func (c *Client) Disconnect() {
	c.mu.Lock()
	stopReconnect := c.stopReconnect
	c.stopReconnect = nil
	c.mu.Unlock()
	if stopReconnect != nil {
		stopReconnect()
	}

	if conn := c.detach(); conn != nil {
		conn.Close(nil)
		c.logger.Info("Disconnected")
	}
	c.setState(StateDisconnected)
}

// detach forgets the current connection so its close is not treated as a
// loss, and stops the heartbeat and refresh timers tied to it.
func (c *Client) detach() *transport.Connection {
	c.mu.Lock()
	conn, stop := c.conn, c.stopSession
	c.conn, c.stopSession = nil, nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	return conn
}

func (c *Client) current() *transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) handleClose(connID uuid.UUID, err error) {
	c.mu.Lock()
	if c.conn == nil || c.conn.ID() != connID {
		c.mu.Unlock()
		return
	}
	stop := c.stopSession
	c.conn, c.stopSession = nil, nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}

	if err == nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.logger.Info("Connection closed by server")
		c.setState(StateDisconnected)
		return
	}
	c.logger.Warn("Connection lost", slog.Any("error", err))
	c.reportError(err)
	c.triggerReconnect()
}

func (c *Client) triggerReconnect() {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Reconnect(c.ctx)
	}()
}

// Reconnect tears down the current connection and dials again with
// exponential backoff, replaying every recorded subscription before the
// client reports itself connected. A call made while another reconnect
// is running returns false immediately.
func (c *Client) Reconnect(ctx context.Context) bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		c.logger.Debug("Reconnect already in progress")
		return false
	}
	defer c.reconnecting.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.stopReconnect = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stopReconnect = nil
		c.mu.Unlock()
	}()

	if conn := c.detach(); conn != nil {
		conn.Close(nil)
	}

	policy := reconnectPolicy(c.settings)
	for attempt := 1; ; attempt++ {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.logger.Error("Giving up on reconnect", slog.Int("attempts", attempt-1))
			c.setState(StateFailed)
			c.reportError(ErrReconnectExhausted)
			return false
		}

		c.logger.Info("Reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		if !c.connect(ctx, false) {
			continue
		}
		c.setState(StateConnected)
		return true
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *transport.Connection) {
	if c.settings.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.settings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		env := protocol.Envelope{Type: protocol.TypePing}
		if err := c.sendOn(conn, env); err != nil {
			c.logger.Warn("Heartbeat failed", slog.Any("error", err))
			c.triggerReconnect()
			return
		}
	}
}

// refreshLoop refreshes the token RefreshLead before it expires. A failed
// refresh forces a reconnect.
func (c *Client) refreshLoop(ctx context.Context, token string) {
	for {
		expiry, ok := tokenExpiry(token)
		if !ok {
			return
		}
		delay := time.Until(expiry) - c.settings.RefreshLead
		if delay < minRefreshDelay {
			delay = minRefreshDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !c.tokens.RefreshToken(ctx) {
			c.logger.Warn("Token refresh failed")
			c.reportError(ErrRefreshFailed)
			c.triggerReconnect()
			return
		}
		next, ok := c.tokens.CurrentToken()
		if !ok {
			c.triggerReconnect()
			return
		}
		c.logger.Debug("Token refreshed")
		token = next
	}
}

func (c *Client) handleMessage(_ context.Context, _ uuid.UUID, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.logger.Warn("Dropping malformed message", slog.Any("error", err))
		return
	}

	switch env.Type {
	case protocol.TypePresence:
		var data presence.Data
		if err := env.DecodeData(&data); err != nil {
			c.logger.Warn("Dropping malformed presence", slog.Any("error", err))
		} else {
			c.presence.Apply(data)
		}
	case protocol.TypeLockResponse, protocol.TypeOperationResponse:
		c.requests.resolve(env)
	case protocol.TypeError:
		if !c.requests.resolve(env) {
			c.reportError(serverError(env))
		}
	}

	c.dispatch(env.Type, env)
	c.dispatch(protocol.TypeAll, env)
}

func (c *Client) dispatch(key protocol.MessageType, env protocol.Envelope) {
	value, ok := c.listeners.Load(key)
	if !ok {
		return
	}
	for _, listener := range value.(*callbackList[protocol.Envelope]).get() {
		c.invoke(listener, env)
	}
}

func (c *Client) invoke(listener func(protocol.Envelope), env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Listener panicked",
				slog.String("type", string(env.Type)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	listener(env)
}

// On registers listener for envelopes of eventType, or for every envelope
// with protocol.TypeAll. The returned func removes it.
func (c *Client) On(eventType protocol.MessageType, listener Listener) func() {
	value, _ := c.listeners.LoadOrStore(eventType, newCallbackList[protocol.Envelope]())
	return value.(*callbackList[protocol.Envelope]).add(listener)
}

// OnStateChange registers fn for state transitions. fn is called with the
// current state immediately.
func (c *Client) OnStateChange(fn func(State)) func() {
	return c.state.Subscribe(fn)
}

func (c *Client) OnError(fn func(error)) func() {
	return c.errors.add(fn)
}

func (c *Client) State() State {
	return c.state.Get()
}

func (c *Client) Presence() *presence.Tracker {
	return c.presence
}

func (c *Client) Subscriptions() []Subscription {
	return c.registry.Subscriptions()
}

// UserID is the configured user, or the subject of the current token.
func (c *Client) UserID() string {
	if c.settings.UserID != "" {
		return c.settings.UserID
	}
	token, ok := c.tokens.CurrentToken()
	if !ok {
		return ""
	}
	return tokenSubject(token)
}

func (c *Client) setState(s State) {
	if c.state.Get() == s {
		return
	}
	c.logger.Debug("State changed", slog.String("state", string(s)))
	c.state.Set(s)
}

func (c *Client) reportError(err error) {
	for _, fn := range c.errors.get() {
		fn(err)
	}
}

// Subscribe records the subscription and tells the server, connecting
// first when needed. The registry keeps the entry even if the send fails.
func (c *Client) Subscribe(ctx context.Context, channel, resourceID string) bool {
	if !c.connect(ctx, true) {
		return false
	}
	c.registry.Add(channel, resourceID)
	return c.sendEnvelope(protocol.TypeSubscribe, channel, resourceID, nil)
}

// Unsubscribe forgets the subscription, then connects if needed and tells
// the server. Dropping it first keeps a fresh dial from replaying it.
func (c *Client) Unsubscribe(ctx context.Context, channel, resourceID string) bool {
	c.registry.Remove(channel, resourceID)
	if !c.connect(ctx, true) {
		return false
	}
	return c.sendEnvelope(protocol.TypeUnsubscribe, channel, resourceID, nil)
}

func (c *Client) Publish(ctx context.Context, channel string, data any) bool {
	if !c.connect(ctx, true) {
		return false
	}
	return c.sendEnvelope(protocol.TypePublish, channel, "", data)
}

// UpdatePresence announces this user's status. extra is merged into the
// presence context data.
func (c *Client) UpdatePresence(ctx context.Context, status string, extra map[string]any) bool {
	if !c.connect(ctx, true) {
		return false
	}
	data := presence.Format(c.UserID(), status, extra)
	return c.sendEnvelope(protocol.TypePresence, "", "", data)
}

func (c *Client) UpdateTypingStatus(ctx context.Context, isTyping bool, resourceType, resourceID string) bool {
	if !c.connect(ctx, true) {
		return false
	}
	data := protocol.TypingStatus{
		UserID:       c.UserID(),
		IsTyping:     isTyping,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	return c.sendEnvelope(protocol.TypeTyping, resourceType, resourceID, data)
}

func (c *Client) sendEnvelope(typ protocol.MessageType, channel, resourceID string, data any) bool {
	env, err := protocol.NewEnvelope(typ, channel, resourceID, data)
	if err != nil {
		c.logger.Error("Failed to build envelope", slog.Any("error", err))
		return false
	}
	if err := c.send(env); err != nil {
		c.logger.Warn("Send failed", slog.String("type", string(typ)), slog.Any("error", err))
		return false
	}
	return true
}

func (c *Client) send(env protocol.Envelope) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return c.sendOn(conn, env)
}

func (c *Client) sendOn(conn *transport.Connection, env protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.Send(raw)
}

// request sends env with a fresh requestId and waits for the matching
// response or the request timeout.
func (c *Client) request(ctx context.Context, env protocol.Envelope) (protocol.Envelope, error) {
	if !c.connect(ctx, true) {
		return protocol.Envelope{}, ErrNotConnected
	}
	env.RequestID = uuid.NewString()
	responses := c.requests.add(env.RequestID)
	defer c.requests.remove(env.RequestID)

	if err := c.send(env); err != nil {
		return protocol.Envelope{}, err
	}

	timer := time.NewTimer(c.settings.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-responses:
		if resp.Type == protocol.TypeError {
			return protocol.Envelope{}, serverError(resp)
		}
		return resp, nil
	case <-timer.C:
		return protocol.Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func serverError(env protocol.Envelope) error {
	return fmt.Errorf("server error %s: %s", env.Field("code").String(), env.Field("message").String())
}

// Close disconnects and stops every background goroutine. The client
// cannot be reused.
func (c *Client) Close() {
	c.Disconnect()
	c.cancel()
	c.wg.Wait()
}
