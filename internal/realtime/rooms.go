package realtime

import (
	"sync"
)

// RoomTracker maps chats to the connections subscribed to their broadcasts.
// Membership is a fan-out index only; authorization always goes back to the
// chat store.
type RoomTracker struct {
	mu sync.RWMutex
	// chatID -> connID -> conn
	rooms map[string]map[string]*Connection
	// connID -> chatIDs
	byConn map[string]map[string]struct{}
}

func NewRoomTracker() *RoomTracker {
	return &RoomTracker{
		rooms:  make(map[string]map[string]*Connection),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Add reports whether conn was newly added to the room.
func (t *RoomTracker) Add(chatID string, conn *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rooms[chatID]; !ok {
		t.rooms[chatID] = make(map[string]*Connection)
	}
	if _, ok := t.rooms[chatID][conn.ID]; ok {
		return false
	}
	t.rooms[chatID][conn.ID] = conn

	if _, ok := t.byConn[conn.ID]; !ok {
		t.byConn[conn.ID] = make(map[string]struct{})
	}
	t.byConn[conn.ID][chatID] = struct{}{}
	return true
}

func (t *RoomTracker) Remove(chatID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(chatID, connID)
}

func (t *RoomTracker) removeLocked(chatID, connID string) {
	if conns, ok := t.rooms[chatID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(t.rooms, chatID)
		}
	}
	if chats, ok := t.byConn[connID]; ok {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(t.byConn, connID)
		}
	}
}

// RemoveConnection drops conn from every room and returns the chats it left.
func (t *RoomTracker) RemoveConnection(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var left []string
	for chatID := range t.byConn[connID] {
		left = append(left, chatID)
	}
	for _, chatID := range left {
		t.removeLocked(chatID, connID)
	}
	return left
}

// Members snapshots the connections in a room.
func (t *RoomTracker) Members(chatID string) []*Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conns := t.rooms[chatID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (t *RoomTracker) IsMember(chatID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rooms[chatID][connID]
	return ok
}

func (t *RoomTracker) ChatsOf(connID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byConn[connID]))
	for chatID := range t.byConn[connID] {
		out = append(out, chatID)
	}
	return out
}
