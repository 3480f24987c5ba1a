package engine

import (
	"fmt"

	"github.com/a-essam23/go-collab/pkg/protocol"
)

// PresenceRoom is joined by every connection on arrival. Presence updates
// without a channel fan out here.
const PresenceRoom = "presence"

// RejectError is a failure the client should hear about, with the error
// code carried in the error envelope.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return e.Code + ": " + e.Message
}

func reject(code, format string, args ...any) error {
	return &RejectError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorEnvelope builds the error envelope for a failed request.
func ErrorEnvelope(code, message string) protocol.Envelope {
	env, _ := protocol.NewEnvelope(protocol.TypeError, "", "", protocol.ErrorPayload{Code: code, Message: message})
	return env
}

func roomOf(env protocol.Envelope) string {
	return protocol.RoomKey(env.Channel, env.ResourceID)
}

// firstNonEmpty picks the payload value over the envelope value.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
