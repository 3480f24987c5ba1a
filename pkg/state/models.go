package state

import (
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/ot"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/google/uuid"
)

// representation of a single transport-layer connection.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport *transport.Connection // The actual connection for sending messages
	User      *User                 // Pointer to the owning user (nil until associated)
	Rooms     map[string]struct{}   // Room keys this connection is subscribed to
	CreatedAt time.Time
}

// canonical representation of a user, aggregating all their connections.
type User struct {
	ID          string
	Connections map[uuid.UUID]*Connection
	Permissions Permission
}

// a fan-out target, keyed channel or channel:resource. Membership is per
// connection so a sender can be excluded from its own broadcasts.
type Room struct {
	ID      string
	Members map[uuid.UUID]*Connection
}

// the accepted operation history of one resource. The version is the
// number of operations accepted so far.
type Document struct {
	Key     string
	History []ot.Operation
}

func (d *Document) Version() int {
	return len(d.History)
}

// per-user bookkeeping kept by a modifier between requests.
type ModifierState struct {
	Mu    sync.Mutex
	Value any
	Timer *time.Timer
}
