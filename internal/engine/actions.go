package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/a-essam23/go-collab/pkg/lock"
	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/protocol"
	"github.com/a-essam23/go-collab/pkg/state"
)

func handleSubscribe(pctx *pipeline.Cargo) error {
	env := pctx.Envelope
	if env.Channel == "" {
		return reject(protocol.ErrorCodeInvalidMessage, "subscribe requires a channel")
	}
	roomID := roomOf(env)
	if err := pctx.StateManager.Join(pctx.Connection.ID, roomID); err != nil {
		return fmt.Errorf("failed to join room '%s': %w", roomID, err)
	}
	pctx.Logger.Info("Subscribed", slog.String("roomID", roomID))
	return nil
}

// handleUnsubscribe leaves one resource room, or every room of the channel
// when no resource is named.
func handleUnsubscribe(pctx *pipeline.Cargo) error {
	env := pctx.Envelope
	if env.Channel == "" {
		return reject(protocol.ErrorCodeInvalidMessage, "unsubscribe requires a channel")
	}

	rooms := []string{roomOf(env)}
	if env.ResourceID == "" {
		rooms = rooms[:0]
		for _, roomID := range pctx.StateManager.RoomsOf(pctx.Connection.ID) {
			if roomID == env.Channel || strings.HasPrefix(roomID, env.Channel+":") {
				rooms = append(rooms, roomID)
			}
		}
	}
	for _, roomID := range rooms {
		if err := pctx.StateManager.Leave(pctx.Connection.ID, roomID); err != nil {
			return fmt.Errorf("failed to leave room '%s': %w", roomID, err)
		}
	}
	pctx.Logger.Info("Unsubscribed", slog.Any("rooms", rooms))
	return nil
}

func handlePublish(pctx *pipeline.Cargo) error {
	env := pctx.Envelope
	if env.Channel == "" {
		return reject(protocol.ErrorCodeInvalidMessage, "publish requires a channel")
	}
	return pctx.Broadcast(roomOf(env), env)
}

// handlePresence stamps the authenticated user on the update before
// fanning it out.
func handlePresence(pctx *pipeline.Cargo) error {
	env := pctx.Envelope
	var data presence.Data
	if err := env.DecodeData(&data); err != nil {
		return reject(protocol.ErrorCodeInvalidMessage, "invalid presence payload: %v", err)
	}
	data.UserID = pctx.User.ID
	if data.Timestamp == 0 {
		data.Timestamp = time.Now().UnixMilli()
	}

	out, err := protocol.NewEnvelope(protocol.TypePresence, env.Channel, env.ResourceID, data)
	if err != nil {
		return err
	}
	roomID := PresenceRoom
	if env.Channel != "" {
		roomID = roomOf(env)
	}
	return pctx.Broadcast(roomID, out)
}

func handleTyping(pctx *pipeline.Cargo) error {
	env := pctx.Envelope
	var data protocol.TypingStatus
	if err := env.DecodeData(&data); err != nil {
		return reject(protocol.ErrorCodeInvalidMessage, "invalid typing payload: %v", err)
	}
	data.UserID = pctx.User.ID
	channel := firstNonEmpty(data.ResourceType, env.Channel)
	resourceID := firstNonEmpty(data.ResourceID, env.ResourceID)
	if channel == "" {
		return reject(protocol.ErrorCodeInvalidMessage, "typing requires a resource type")
	}

	out, err := protocol.NewEnvelope(protocol.TypeTyping, channel, resourceID, data)
	if err != nil {
		return err
	}
	return pctx.Broadcast(protocol.RoomKey(channel, resourceID), out)
}

func handlePing(pctx *pipeline.Cargo) error {
	return pctx.Reply(protocol.Envelope{Type: protocol.TypePong})
}

func newLockAcquireHandler(ttl time.Duration) pipeline.HandlerFunc {
	return func(pctx *pipeline.Cargo) error {
		env := pctx.Envelope
		var req protocol.LockRequest
		if len(env.Data) > 0 {
			if err := env.DecodeData(&req); err != nil {
				return reject(protocol.ErrorCodeInvalidMessage, "invalid lock request: %v", err)
			}
		}
		resourceType := firstNonEmpty(req.ResourceType, env.Channel)
		resourceID := firstNonEmpty(req.ResourceID, env.ResourceID)
		if resourceType == "" || resourceID == "" {
			return reject(protocol.ErrorCodeInvalidMessage, "lock.acquire requires a resource type and id")
		}

		candidate := lock.CreateEditLock(resourceID, resourceType, pctx.User.ID, ttl)
		candidate.SectionID = req.SectionID
		held, ok := pctx.StateManager.AcquireLock(candidate)

		result := protocol.LockResult{Success: ok, ExpiresAt: held.ExpiresAt}
		if ok {
			result.LockID = held.ID
			pctx.Logger.Info("Lock granted", slog.String("key", held.Key()), slog.String("lockID", held.ID))
		} else {
			result.LockedBy = held.UserID
			result.Error = "locked by " + held.UserID
		}

		out, err := protocol.NewEnvelope(protocol.TypeLockResponse, resourceType, resourceID, result)
		if err != nil {
			return err
		}
		return pctx.Reply(out)
	}
}

// handleLockRelease releases by lockId when one is given, otherwise by the
// resource and section the lock covers. It never replies.
func handleLockRelease(pctx *pipeline.Cargo) error {
	env := pctx.Envelope
	if lockID := env.Field("lockId").String(); lockID != "" {
		if !pctx.StateManager.ReleaseLock(lockID, pctx.User.ID) {
			pctx.Logger.Debug("Nothing to release", slog.String("lockID", lockID))
		}
		return nil
	}

	var req protocol.LockRequest
	if len(env.Data) > 0 {
		if err := env.DecodeData(&req); err != nil {
			return reject(protocol.ErrorCodeInvalidMessage, "invalid lock release: %v", err)
		}
	}
	resourceType := firstNonEmpty(req.ResourceType, env.Channel)
	resourceID := firstNonEmpty(req.ResourceID, env.ResourceID)
	if resourceType == "" || resourceID == "" {
		return reject(protocol.ErrorCodeInvalidMessage, "lock.release requires a lockId or a resource type and id")
	}
	key := lock.Key(resourceType, resourceID, req.SectionID)
	if !pctx.StateManager.ReleaseLockByKey(key, pctx.User.ID) {
		pctx.Logger.Debug("Nothing to release", slog.String("key", key))
	}
	return nil
}

// handleOperationSubmit transforms the submission against everything the
// client had not seen, records it, answers the submitter and broadcasts the
// accepted operation to the rest of the resource room.
func handleOperationSubmit(pctx *pipeline.Cargo) error {
	env := pctx.Envelope
	var sub protocol.OperationSubmit
	if err := env.DecodeData(&sub); err != nil {
		return reject(protocol.ErrorCodeInvalidMessage, "invalid operation submission: %v", err)
	}
	resourceType := firstNonEmpty(sub.ResourceType, env.Channel)
	resourceID := firstNonEmpty(sub.ResourceID, env.ResourceID)
	if resourceType == "" || sub.Operation.ID == "" || sub.Operation.ObjectID == "" {
		return reject(protocol.ErrorCodeInvalidMessage, "operation.submit requires a resource type and an identified operation")
	}

	op := sub.Operation
	op.UserID = pctx.User.ID
	roomID := protocol.RoomKey(resourceType, resourceID)

	accepted, version, against, err := pctx.StateManager.SubmitOperation(roomID, op, sub.Version)
	result := protocol.OperationResult{
		Success:     err == nil,
		OperationID: op.ID,
		Version:     version,
		Operations:  against,
	}
	switch {
	case err == nil:
	case errors.Is(err, state.ErrInvalidVersion), errors.Is(err, state.ErrSuperseded):
		result.Error = err.Error()
		pctx.Logger.Info("Operation rejected", slog.String("operationID", op.ID), slog.Any("error", err))
	default:
		return err
	}

	out, encErr := protocol.NewEnvelope(protocol.TypeOperationResponse, resourceType, resourceID, result)
	if encErr != nil {
		return encErr
	}
	if err := pctx.Reply(out); err != nil {
		return err
	}
	if !result.Success {
		return nil
	}

	broadcast, err := protocol.NewEnvelope(protocol.TypePublish, resourceType, resourceID, protocol.OperationBroadcast{
		Operation: accepted,
		Version:   version,
	})
	if err != nil {
		return err
	}
	return pctx.Broadcast(roomID, broadcast)
}
