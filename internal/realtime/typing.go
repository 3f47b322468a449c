package realtime

import (
	"sync"
	"time"

	"chat-gateway/internal/models"
)

type typingKey struct {
	chatID string
	userID int
}

// TypingBroadcaster relays typing signals to the rest of a room. Nothing is
// persisted. With a zero ttl a client that drops mid-type leaves its peers'
// indicator on until they clear it themselves; a positive ttl makes the
// server emit the stop signal when no refresh arrives in time.
type TypingBroadcaster struct {
	rooms *RoomTracker
	fan   *fanout
	ttl   time.Duration

	mu     sync.Mutex
	timers map[typingKey]*time.Timer
}

// SetTyping reports false when conn is not subscribed to the chat.
func (t *TypingBroadcaster) SetTyping(chatID string, conn *Connection, isTyping bool) bool {
	user := conn.User()
	if user == nil || !t.rooms.IsMember(chatID, conn.ID) {
		return false
	}

	signal := models.UserTyping{
		ChatID:   chatID,
		UserID:   user.ID,
		UserName: user.Username,
		IsTyping: isTyping,
	}
	t.fan.toRoom(chatID, models.EventUserTyping, signal, conn.ID)

	if t.ttl > 0 {
		t.arm(typingKey{chatID, user.ID}, signal, conn.ID, isTyping)
	}
	return true
}

func (t *TypingBroadcaster) arm(key typingKey, signal models.UserTyping, connID string, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
	if !isTyping {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		if t.timers[key] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.mu.Unlock()

		signal.IsTyping = false
		t.fan.toRoom(key.chatID, models.EventUserTyping, signal, connID)
	})
	t.timers[key] = timer
}

// Stop cancels every pending expiry.
func (t *TypingBroadcaster) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}
