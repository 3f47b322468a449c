package realtime

import (
	"sync"
	"time"

	"chat-gateway/internal/models"
)

type presenceSlot struct {
	entry models.PresenceEntry
	conn  *Connection
}

// PresenceRegistry maps an authenticated user to its single live connection
// and is the gateway's source of truth for online/away/offline.
type PresenceRegistry struct {
	mu    sync.RWMutex
	slots map[int]*presenceSlot
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{slots: make(map[int]*presenceSlot)}
}

// Set installs conn as the user's connection with status online and returns
// the connection it replaced, if any.
func (r *PresenceRegistry) Set(userID int, conn *Connection, now time.Time) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *Connection
	if slot, ok := r.slots[userID]; ok && slot.conn != conn {
		previous = slot.conn
	}
	r.slots[userID] = &presenceSlot{
		entry: models.PresenceEntry{UserID: userID, ConnID: conn.ID, Status: models.StatusOnline, LastSeen: now},
		conn:  conn,
	}
	return previous
}

// Remove deletes the user's entry only while connID still owns it, so a
// replaced connection cannot evict its successor.
func (r *PresenceRegistry) Remove(userID int, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[userID]
	if !ok || slot.entry.ConnID != connID {
		return false
	}
	delete(r.slots, userID)
	return true
}

func (r *PresenceRegistry) Get(userID int) (models.PresenceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[userID]
	if !ok {
		return models.PresenceEntry{UserID: userID, Status: models.StatusOffline}, false
	}
	return slot.entry, true
}

func (r *PresenceRegistry) Connection(userID int) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	slot, ok := r.slots[userID]
	if !ok {
		return nil, false
	}
	return slot.conn, true
}

// SetStatus changes the status of the entry owned by connID and reports
// whether anything changed.
func (r *PresenceRegistry) SetStatus(userID int, connID string, status models.PresenceStatus, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[userID]
	if !ok || slot.entry.ConnID != connID || slot.entry.Status == status {
		return false
	}
	slot.entry.Status = status
	slot.entry.LastSeen = now
	return true
}

// Connections snapshots every registered connection.
func (r *PresenceRegistry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.slots))
	for _, slot := range r.slots {
		out = append(out, slot.conn)
	}
	return out
}

func (r *PresenceRegistry) Entries() []models.PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.PresenceEntry, 0, len(r.slots))
	for _, slot := range r.slots {
		out = append(out, slot.entry)
	}
	return out
}

func (r *PresenceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}
