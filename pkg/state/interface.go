package state

import (
	"errors"

	"github.com/a-essam23/go-collab/pkg/lock"
	"github.com/a-essam23/go-collab/pkg/ot"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/google/uuid"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidVersion    = errors.New("invalid version")
	ErrSuperseded        = errors.New("operation superseded by a newer write")
)

type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(conn *transport.Connection, ipAddr string) (*Connection, error)
	// removes the connection from its user and every room it joined.
	DeregisterConnection(connID uuid.UUID) error
	GetConnection(connID uuid.UUID) (*Connection, bool)
	FindOldestUserConnection(userID string) (*Connection, bool)
	GetAllConnections() []*Connection

	// --- User Management ---
	// links a connection to a user, creating the user if they don't exist.
	AssociateUser(connID uuid.UUID, userID string, perms Permission) (*User, error)
	FindUser(userID string) (*User, bool)
	GetUserConnectionCount(userID string) (int, error)

	// --- Room Membership ---
	Join(connID uuid.UUID, roomID string) error
	Leave(connID uuid.UUID, roomID string) error
	GetRoomMembers(roomID string) []*Connection
	RoomsOf(connID uuid.UUID) []string

	// --- Edit Locks ---
	// AcquireLock stores candidate unless another user holds a live lock on
	// the same key, in which case that lock is returned with ok false. A
	// lock already held by the same user is renewed to candidate's expiry.
	AcquireLock(candidate lock.EditLock) (held lock.EditLock, ok bool)
	// ReleaseLock drops lockID if userID owns it.
	ReleaseLock(lockID, userID string) bool
	// ReleaseLockByKey drops the lock covering key (see lock.Key) if
	// userID owns it.
	ReleaseLockByKey(key, userID string) bool
	// ReleaseUserLocks drops every lock owned by userID.
	ReleaseUserLocks(userID string) int

	// --- Operation History ---
	// SubmitOperation transforms op against everything accepted after
	// version, appends it and returns it with the new version and the
	// operations it was transformed against.
	SubmitOperation(docKey string, op ot.Operation, version int) (accepted ot.Operation, newVersion int, against []ot.Operation, err error)
	GetDocument(docKey string) (Document, bool)

	// --- Modifier store Management ---
	// LoadOrCreateModifierState returns the state entry, creating it with
	// init when missing. created reports whether init ran.
	LoadOrCreateModifierState(modifierName, userID, eventName string, init func() *ModifierState) (st *ModifierState, created bool)

	// DeleteModifierState removes a state entry. This is typically called by
	// the background cleanup timer.
	DeleteModifierState(modifierName, userID, eventName string)
}
