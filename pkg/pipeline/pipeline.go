package pipeline

import (
	"context"
	"log/slog"

	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/state"
)

/*
 * The purpose of this is to detach the implementation of handlers and
 * modifiers from the actual router
 */

// Publisher fans an envelope out to every member of a room except the
// connection named by exclude.
type Publisher interface {
	PublishToRoom(ctx context.Context, roomID, exclude string, env protocol.Envelope) error
}

type Cargo struct {
	Logger       *slog.Logger
	Ctx          context.Context
	User         *state.User
	Connection   *state.Connection
	StateManager state.Manager
	Publisher    Publisher
	Envelope     protocol.Envelope
}

// Reply sends env back on the originating connection, echoing the
// request id.
func (c *Cargo) Reply(env protocol.Envelope) error {
	env.RequestID = c.Envelope.RequestID
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return c.Connection.Transport.Send(raw)
}

// Broadcast publishes env to roomID, skipping the originating connection.
func (c *Cargo) Broadcast(roomID string, env protocol.Envelope) error {
	return c.Publisher.PublishToRoom(c.Ctx, roomID, c.Connection.ID.String(), env)
}

// a handler for one envelope type
type HandlerFunc func(pctx *Cargo) error

// a check run before the handler; a non-nil error halts the pipeline
type ModifierFunc func(pctx *Cargo, params ...string) error

// represents one modifier step in an execution pipeline
type Step struct {
	Name     string
	Function ModifierFunc
	Params   []string // Raw strings from YAML
}
