package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// MessageType identifies the kind of envelope on the wire.
type MessageType string

const (
	TypeSubscribe         MessageType = "subscribe"
	TypeUnsubscribe       MessageType = "unsubscribe"
	TypePublish           MessageType = "publish"
	TypePresence          MessageType = "presence"
	TypeTyping            MessageType = "typing"
	TypePing              MessageType = "ping"
	TypePong              MessageType = "pong"
	TypeLockAcquire       MessageType = "lock.acquire"
	TypeLockResponse      MessageType = "lock.response"
	TypeLockRelease       MessageType = "lock.release"
	TypeOperationSubmit   MessageType = "operation.submit"
	TypeOperationResponse MessageType = "operation.response"
	TypeError             MessageType = "error"

	// TypeAll is the listener key that receives every inbound envelope.
	TypeAll MessageType = "*"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrMissingType       = errors.New("envelope has no type")
)

// Envelope is the wire wrapper for every message in both directions.
type Envelope struct {
	Type       MessageType     `json:"type"`
	Channel    string          `json:"channel,omitempty"`
	ResourceID string          `json:"resourceId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
}

// NewEnvelope builds an envelope, marshalling data when it is not nil.
func NewEnvelope(typ MessageType, channel, resourceID string, data any) (Envelope, error) {
	env := Envelope{Type: typ, Channel: channel, ResourceID: resourceID}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	env.Data = raw
	return env, nil
}

func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a raw inbound message. Non-JSON input and envelopes with no
// type are rejected.
func Decode(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, ErrMalformedEnvelope
	}
	if gjson.GetBytes(raw, "type").String() == "" {
		return Envelope{}, ErrMissingType
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// Field looks up a gjson path inside the envelope data.
func (e Envelope) Field(path string) gjson.Result {
	return gjson.GetBytes(e.Data, path)
}

// DecodeData unmarshals the envelope data into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s envelope has no data", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return nil
}

// RoomKey is the fan-out key for a channel and optional resource.
func RoomKey(channel, resourceID string) string {
	if resourceID == "" {
		return channel
	}
	return channel + ":" + resourceID
}
