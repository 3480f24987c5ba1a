package statemanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/lock"
	"github.com/a-essam23/go-collab/pkg/ot"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/transport"
	"github.com/google/uuid"
)

// Lock order: connMu, userMu, roomMu. The lock, document and modifier
// stores each have their own mutex and never nest.
type InMemoryManager struct {
	conns map[uuid.UUID]*state.Connection
	users map[string]*state.User
	rooms map[string]*state.Room

	connMu sync.RWMutex
	userMu sync.RWMutex
	roomMu sync.RWMutex

	locks  map[string]lock.EditLock // keyed by lock.Key
	lockMu sync.Mutex

	docs  map[string]*state.Document
	docMu sync.RWMutex

	modifiers  map[string]*state.ModifierState
	modifierMu sync.Mutex

	now    func() time.Time
	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:     make(map[uuid.UUID]*state.Connection),
		users:     make(map[string]*state.User),
		rooms:     make(map[string]*state.Room),
		locks:     make(map[string]lock.EditLock),
		docs:      make(map[string]*state.Document),
		modifiers: make(map[string]*state.ModifierState),
		now:       time.Now,
		logger:    logger.With(slog.String("component", "state_manager_inmemory")),
	}
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func (m *InMemoryManager) RegisterConnection(conn *transport.Connection, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	newConn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		Rooms:     make(map[string]struct{}),
		CreatedAt: m.now(),
	}
	m.conns[connID] = newConn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return newConn, nil
}

func (m *InMemoryManager) DeregisterConnection(connID uuid.UUID) error {
	m.connMu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		m.connMu.Unlock()
		return nil
	}
	delete(m.conns, connID)
	m.connMu.Unlock()

	if conn.User != nil {
		m.userMu.Lock()
		delete(conn.User.Connections, connID)
		m.userMu.Unlock()
		m.logger.Debug("Detached connection from user", slog.String("connID", connID.String()), slog.String("userID", conn.User.ID))
	}

	m.roomMu.Lock()
	for roomID := range conn.Rooms {
		m.leaveLocked(conn, roomID)
	}
	m.roomMu.Unlock()

	m.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return nil
}

func (m *InMemoryManager) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemoryManager) GetAllConnections() []*state.Connection {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *InMemoryManager) GetUserConnectionCount(userID string) (int, error) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return 0, nil // User doesn't exist yet, so they have 0 connections.
	}
	return len(user.Connections), nil
}

func (m *InMemoryManager) FindOldestUserConnection(userID string) (*state.Connection, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return nil, false
	}

	var oldest *state.Connection
	for _, conn := range user.Connections {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// --- User Management ---

func (m *InMemoryManager) AssociateUser(connID uuid.UUID, userID string, perms state.Permission) (*state.User, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.userMu.Lock()
	defer m.userMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil, fmt.Errorf("cannot associate user: %w", state.ErrUnknownConnection)
	}

	user, exists := m.users[userID]
	if !exists {
		user = &state.User{
			ID:          userID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.users[userID] = user
		m.logger.Debug("Created new user session", slog.String("userID", userID))
	}

	user.Permissions = perms
	conn.User = user
	user.Connections[connID] = conn

	m.logger.Debug("Associated connection with user", slog.String("connID", connID.String()), slog.String("userID", userID))
	return user, nil
}

func (m *InMemoryManager) FindUser(userID string) (*state.User, bool) {
	m.userMu.RLock()
	defer m.userMu.RUnlock()
	user, ok := m.users[userID]
	return user, ok
}

// --- Room Membership ---

func (m *InMemoryManager) Join(connID uuid.UUID, roomID string) error {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return fmt.Errorf("cannot join room '%s': %w", roomID, state.ErrUnknownConnection)
	}

	m.roomMu.Lock()
	defer m.roomMu.Unlock()

	room, exists := m.rooms[roomID]
	if !exists {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[uuid.UUID]*state.Connection),
		}
		m.rooms[roomID] = room
	}
	room.Members[connID] = conn
	conn.Rooms[roomID] = struct{}{}

	m.logger.Debug("Connection joined room", slog.String("connID", connID.String()), slog.String("roomID", roomID))
	return nil
}

func (m *InMemoryManager) Leave(connID uuid.UUID, roomID string) error {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return fmt.Errorf("cannot leave room '%s': %w", roomID, state.ErrUnknownConnection)
	}

	m.roomMu.Lock()
	defer m.roomMu.Unlock()
	m.leaveLocked(conn, roomID)
	return nil
}

func (m *InMemoryManager) leaveLocked(conn *state.Connection, roomID string) {
	delete(conn.Rooms, roomID)
	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(room.Members, conn.ID)

	// For memory hygiene, remove the room if it's now empty.
	if len(room.Members) == 0 {
		delete(m.rooms, roomID)
		m.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
}

func (m *InMemoryManager) GetRoomMembers(roomID string) []*state.Connection {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]*state.Connection, 0, len(room.Members))
	for _, c := range room.Members {
		members = append(members, c)
	}
	return members
}

func (m *InMemoryManager) RoomsOf(connID uuid.UUID) []string {
	conn, ok := m.GetConnection(connID)
	if !ok {
		return nil
	}

	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	rooms := make([]string, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// --- Edit Locks ---

func (m *InMemoryManager) AcquireLock(candidate lock.EditLock) (lock.EditLock, bool) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	key := candidate.Key()
	if existing, ok := m.locks[key]; ok && existing.ValidAt(m.now()) {
		if existing.UserID != candidate.UserID {
			return existing, false
		}
		existing.ExpiresAt = candidate.ExpiresAt
		m.locks[key] = existing
		return existing, true
	}
	m.locks[key] = candidate
	m.logger.Debug("Lock acquired", slog.String("key", key), slog.String("userID", candidate.UserID))
	return candidate, true
}

func (m *InMemoryManager) ReleaseLock(lockID, userID string) bool {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	for key, l := range m.locks {
		if l.ID != lockID {
			continue
		}
		if l.UserID != userID {
			return false
		}
		delete(m.locks, key)
		m.logger.Debug("Lock released", slog.String("key", key), slog.String("userID", userID))
		return true
	}
	return false
}

func (m *InMemoryManager) ReleaseLockByKey(key, userID string) bool {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	l, ok := m.locks[key]
	if !ok || l.UserID != userID {
		return false
	}
	delete(m.locks, key)
	m.logger.Debug("Lock released", slog.String("key", key), slog.String("userID", userID))
	return true
}

func (m *InMemoryManager) ReleaseUserLocks(userID string) int {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	released := 0
	for key, l := range m.locks {
		if l.UserID == userID {
			delete(m.locks, key)
			released++
		}
	}
	return released
}

// --- Operation History ---

func (m *InMemoryManager) SubmitOperation(docKey string, op ot.Operation, version int) (ot.Operation, int, []ot.Operation, error) {
	m.docMu.Lock()
	defer m.docMu.Unlock()

	doc, ok := m.docs[docKey]
	if !ok {
		doc = &state.Document{Key: docKey}
		m.docs[docKey] = doc
	}
	if version < 0 || version > doc.Version() {
		return ot.Operation{}, doc.Version(), nil, fmt.Errorf("%w: %d, server is at %d", state.ErrInvalidVersion, version, doc.Version())
	}

	against := append([]ot.Operation(nil), doc.History[version:]...)
	accepted, keep := ot.TransformAgainst(op, against)
	if !keep {
		return ot.Operation{}, doc.Version(), against, state.ErrSuperseded
	}
	doc.History = append(doc.History, accepted)
	return accepted, doc.Version(), against, nil
}

func (m *InMemoryManager) GetDocument(docKey string) (state.Document, bool) {
	m.docMu.RLock()
	defer m.docMu.RUnlock()

	doc, ok := m.docs[docKey]
	if !ok {
		return state.Document{}, false
	}
	return state.Document{Key: doc.Key, History: append([]ot.Operation(nil), doc.History...)}, true
}

// --- Modifier store ---

func modifierKey(modifierName, userID, eventName string) string {
	return modifierName + "|" + userID + "|" + eventName
}

func (m *InMemoryManager) LoadOrCreateModifierState(modifierName, userID, eventName string, init func() *state.ModifierState) (*state.ModifierState, bool) {
	m.modifierMu.Lock()
	defer m.modifierMu.Unlock()

	key := modifierKey(modifierName, userID, eventName)
	if st, ok := m.modifiers[key]; ok {
		return st, false
	}
	st := init()
	m.modifiers[key] = st
	return st, true
}

func (m *InMemoryManager) DeleteModifierState(modifierName, userID, eventName string) {
	m.modifierMu.Lock()
	defer m.modifierMu.Unlock()

	delete(m.modifiers, modifierKey(modifierName, userID, eventName))
}
