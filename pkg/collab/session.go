package collab

import (
	"context"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-collab/pkg/ot"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"golang.org/x/exp/maps"
)

// Change describes one state transition of a Session.
type Change struct {
	State     ot.State
	Operation ot.Operation
	Remote    bool
	// pending local operations the remote one conflicted with
	Conflicts []ot.Operation
}

// SessionConfig names the resource a Session edits and where it starts.
type SessionConfig struct {
	ResourceType string
	ResourceID   string
	ObjectType   string
	ObjectID     string

	Initial ot.State
	Version int
}

// Session keeps a local replica of one object in sync with the server.
// Local edits apply optimistically and stay pending until acknowledged;
// remote operations are transformed against the pending ones before they
// are applied.
type Session struct {
	client *Client
	engine *ot.Engine
	cfg    SessionConfig
	logger *slog.Logger

	// one submission in flight at a time
	submitMu sync.Mutex

	mu      sync.Mutex
	state   ot.State
	version int
	pending []ot.Operation
	cursors map[string]ot.Cursor

	changes *callbackList[Change]
	stop    []func()
}

// OpenSession subscribes to the resource and starts tracking operations
// broadcast on it.
func (c *Client) OpenSession(ctx context.Context, engine *ot.Engine, cfg SessionConfig) (*Session, error) {
	s := &Session{
		client:  c,
		engine:  engine,
		cfg:     cfg,
		logger:  c.logger.With(slog.String("resource", protocol.RoomKey(cfg.ResourceType, cfg.ResourceID))),
		state:   cfg.Initial,
		version: cfg.Version,
		cursors: make(map[string]ot.Cursor),
		changes: newCallbackList[Change](),
	}
	if s.state == nil {
		s.state = make(ot.State)
	}

	s.stop = append(s.stop,
		c.On(protocol.TypePublish, s.receive),
		c.On(protocol.TypeOperationResponse, s.acknowledge),
	)
	if !c.Subscribe(ctx, cfg.ResourceType, cfg.ResourceID) {
		s.Close()
		return nil, ErrNotConnected
	}
	return s, nil
}

// Edit applies data locally, then submits it. The returned result is the
// server's verdict; a rejected edit is dropped from the pending list but
// its local effect stays until the next remote operation corrects it.
func (s *Session) Edit(ctx context.Context, data ot.Data) (ot.Operation, protocol.OperationResult) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	op := s.engine.CreateOperation(s.cfg.ObjectID, s.cfg.ObjectType, data, s.client.UserID())
	s.state = s.engine.Apply(s.state, op)
	s.cursors = ot.UpdateCursorPositions(s.cursors, op)
	s.pending = append(s.pending, op)
	state, version := s.state, s.version
	s.mu.Unlock()

	s.notify(Change{State: state, Operation: op})

	result := s.client.SubmitOperation(ctx, op, s.cfg.ResourceType, s.cfg.ResourceID, version)
	if result.TimedOut() {
		s.logger.Warn("Operation unacknowledged", slog.String("operationID", op.ID))
		return op, result
	}
	if result.OperationID == "" {
		s.settle(op.ID, result)
	}
	if !result.Success {
		s.logger.Info("Operation rejected", slog.String("operationID", op.ID), slog.String("error", result.Error))
	}
	return op, result
}

// acknowledge runs on the read goroutine so an ack is settled before any
// broadcast that follows it on the wire.
func (s *Session) acknowledge(env protocol.Envelope) {
	var result protocol.OperationResult
	if err := env.DecodeData(&result); err != nil || result.OperationID == "" {
		return
	}
	s.settle(result.OperationID, result)
}

func (s *Session) settle(operationID string, result protocol.OperationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, op := range s.pending {
		if op.ID != operationID {
			continue
		}
		s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
		if result.Success && result.Version > s.version {
			s.version = result.Version
		}
		return
	}
}

func (s *Session) receive(env protocol.Envelope) {
	if env.Channel != s.cfg.ResourceType || env.ResourceID != s.cfg.ResourceID {
		return
	}
	if !env.Field("operation").Exists() {
		return
	}
	var broadcast protocol.OperationBroadcast
	if err := env.DecodeData(&broadcast); err != nil {
		s.logger.Warn("Dropping malformed operation broadcast", slog.Any("error", err))
		return
	}
	s.ApplyRemote(broadcast.Operation, broadcast.Version)
}

// ApplyRemote transforms op against every pending local operation, in
// creation order, and applies the result. Pending operations are rebased
// over op in the same pass. It reports whether op was applied.
func (s *Session) ApplyRemote(op ot.Operation, version int) bool {
	s.mu.Lock()
	if op.ObjectID != s.cfg.ObjectID {
		s.mu.Unlock()
		return false
	}
	if version > s.version {
		s.version = version
	}
	for _, p := range s.pending {
		if p.ID == op.ID {
			s.mu.Unlock()
			return false
		}
	}

	var conflicts []ot.Operation
	incoming, keep := op, true
	rebased := make([]ot.Operation, len(s.pending))
	for i, p := range s.pending {
		if s.engine.DetectConflict(p, op) {
			conflicts = append(conflicts, p)
		}
		if keep {
			p, _ = ot.Transform(p, incoming)
			incoming, keep = ot.Transform(incoming, s.pending[i])
		}
		rebased[i] = p
	}
	s.pending = rebased
	if !keep {
		s.mu.Unlock()
		s.logger.Debug("Remote operation superseded", slog.String("operationID", op.ID))
		return false
	}

	s.state = s.engine.Apply(s.state, incoming)
	s.cursors = ot.UpdateCursorPositions(s.cursors, incoming)
	state := s.state
	s.mu.Unlock()

	if len(conflicts) > 0 {
		s.logger.Debug("Remote operation conflicts with pending edits", slog.String("operationID", op.ID), slog.Int("count", len(conflicts)))
	}
	s.notify(Change{State: state, Operation: incoming, Remote: true, Conflicts: conflicts})
	return true
}

func (s *Session) notify(change Change) {
	for _, fn := range s.changes.get() {
		fn(change)
	}
}

func (s *Session) OnChange(fn func(Change)) func() {
	return s.changes.add(fn)
}

func (s *Session) State() ot.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Pending returns the local operations not yet acknowledged.
func (s *Session) Pending() []ot.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ot.Operation(nil), s.pending...)
}

// SetCursor records a collaborator's caret. Later operations move it.
func (s *Session) SetCursor(c ot.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ObjectID = s.cfg.ObjectID
	next := maps.Clone(s.cursors)
	next[c.UserID] = c
	s.cursors = next
}

func (s *Session) Cursors() map[string]ot.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors
}

// Close stops tracking the resource and unsubscribes from it.
func (s *Session) Close() {
	for _, stop := range s.stop {
		stop()
	}
	if s.client.State() != StateConnected {
		s.client.registry.Remove(s.cfg.ResourceType, s.cfg.ResourceID)
		return
	}
	s.client.Unsubscribe(context.Background(), s.cfg.ResourceType, s.cfg.ResourceID)
}
