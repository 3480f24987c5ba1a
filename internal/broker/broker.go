package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/state"
)

// Message is one fan-out request. Origin is the id of the connection that
// caused it, which never receives its own message.
type Message struct {
	Room    string          `json:"room"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// DeliverFunc hands a message to the local members of its room.
type DeliverFunc func(msg Message)

// Broker moves fan-out messages between server instances.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// LocalDelivery sends msg to every connection of this instance that is in
// msg.Room, except the origin.
func LocalDelivery(sm state.Manager, logger *slog.Logger) DeliverFunc {
	return func(msg Message) {
		members := sm.GetRoomMembers(msg.Room)
		delivered := 0
		for _, member := range members {
			if member.ID.String() == msg.Origin {
				continue
			}
			if err := member.Transport.Send(msg.Payload); err != nil {
				logger.Debug("Skipping closed member", slog.String("connID", member.ID.String()), slog.Any("error", err))
				continue
			}
			delivered++
		}
		logger.Debug("Notified room", slog.String("roomID", msg.Room), slog.Int("connection_count", delivered))
	}
}

// RoomPublisher adapts a Broker to the pipeline's Publisher.
type RoomPublisher struct {
	Broker Broker
}

var _ pipeline.Publisher = RoomPublisher{}

func (p RoomPublisher) PublishToRoom(ctx context.Context, roomID, exclude string, env protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return p.Broker.Publish(ctx, Message{Room: roomID, Origin: exclude, Payload: raw})
}
