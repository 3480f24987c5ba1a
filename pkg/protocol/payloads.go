package protocol

import "github.com/a-essam23/go-collab/pkg/ot"

// ErrTimedOut is the error text of a request that got no response in time.
const ErrTimedOut = "timed out"

// TypingStatus is the payload of a typing envelope.
type TypingStatus struct {
	UserID       string `json:"userId,omitempty"`
	IsTyping     bool   `json:"isTyping"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
}

type LockRequest struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	SectionID    string `json:"sectionId,omitempty"`
}

// LockResult is the server's answer to a lock.acquire request.
type LockResult struct {
	Success  bool   `json:"success"`
	LockID   string `json:"lockId,omitempty"`
	Error    string `json:"error,omitempty"`
	LockedBy string `json:"lockedBy,omitempty"`
	// Unix milliseconds.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

func (r LockResult) TimedOut() bool {
	return !r.Success && r.Error == ErrTimedOut
}

type OperationSubmit struct {
	Operation    ot.Operation `json:"operation"`
	ResourceType string       `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	Version      int          `json:"version"`
}

// OperationResult is the server's answer to an operation.submit request.
// Operations lists what the submission was transformed against.
type OperationResult struct {
	Success     bool           `json:"success"`
	OperationID string         `json:"operationId,omitempty"`
	Version     int            `json:"version,omitempty"`
	Operations  []ot.Operation `json:"operations,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (r OperationResult) TimedOut() bool {
	return !r.Success && r.Error == ErrTimedOut
}

// OperationBroadcast is published on a resource channel for every operation
// the server accepts.
type OperationBroadcast struct {
	Operation ot.Operation `json:"operation"`
	Version   int          `json:"version"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by error envelopes.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeUnknownType    = "unknown_type"
	ErrorCodeForbidden      = "forbidden"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeInternal       = "internal_error"
)
