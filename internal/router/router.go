package router

import (
	"context"
	"log/slog"

	"github.com/a-essam23/go-collab/internal/engine"
	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/google/uuid"
)

// EventRouter decodes inbound envelopes and runs the configured modifiers
// and the registered handler for each.
type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	registry     *engine.Registry
	pipelines    map[string][]pipeline.Step
	publisher    pipeline.Publisher
}

func NewEventRouter(logger *slog.Logger, stateManager state.Manager, registry *engine.Registry, pipelines map[string][]pipeline.Step, publisher pipeline.Publisher) *EventRouter {
	return &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: stateManager,
		registry:     registry,
		pipelines:    pipelines,
		publisher:    publisher,
	}
}

// HandleMessage is the transport message handler for server connections.
// It runs on the connection's read goroutine.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.stateManager.GetConnection(connID)
	if !ok {
		r.logger.Error("Could not find connection profile for active connection", slog.String("connID", connID.String()))
		return
	}
	logger := r.logger.With(slog.String("connID", connID.String()))
	if conn.User != nil {
		logger = logger.With(slog.String("userID", conn.User.ID))
	}

	env, err := protocol.Decode(msg)
	if err != nil {
		logger.Warn("Failed to decode client message", slog.Any("error", err))
		r.replyError(conn, "", protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}

	handler, ok := r.registry.GetHandlerFunc(env.Type)
	if !ok {
		logger.Warn("Received unknown message type", slog.String("type", string(env.Type)))
		r.replyError(conn, env.RequestID, protocol.ErrorCodeUnknownType, "unknown message type '"+string(env.Type)+"'")
		return
	}

	pctx := &pipeline.Cargo{
		Logger:       logger.With(slog.String("type", string(env.Type))),
		Ctx:          ctx,
		User:         conn.User,
		Connection:   conn,
		StateManager: r.stateManager,
		Publisher:    r.publisher,
		Envelope:     env,
	}
	if err := r.execute(pctx, handler); err != nil {
		r.fail(pctx, err)
	}
}
