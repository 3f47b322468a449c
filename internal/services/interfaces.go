package services

import (
	"context"
	"time"

	"chat-gateway/internal/models"
)

// UserStore is the Users collaborator: identities, display fields and the
// persisted presence status.
type UserStore interface {
	GetUser(ctx context.Context, id int) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	SetStatus(ctx context.Context, id int, status models.PresenceStatus, lastSeen time.Time) error
}

// ChatStore is the authoritative source of chats and their participant lists.
type ChatStore interface {
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	ListUserChats(ctx context.Context, userID int) ([]models.Chat, error)
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetOrCreateDirectChat(ctx context.Context, userID1, userID2 int) (*models.Chat, bool, error)
}

// MessageStore persists messages and their read-by sets.
type MessageStore interface {
	// CreateMessage fills in ID and timestamps.
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	// AddReader appends userID to the read-by set and reports whether it was
	// newly added.
	AddReader(ctx context.Context, id int64, userID int) ([]int, bool, error)
	// MarkChatRead adds userID to every message of the chat that lacks it and
	// returns how many messages changed.
	MarkChatRead(ctx context.Context, chatID string, userID int) (int, error)
	// ListChatMessages pages through a chat newest first; page starts at 1.
	ListChatMessages(ctx context.Context, chatID string, page, limit int) ([]models.Message, int, error)
	UpdateContent(ctx context.Context, id int64, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
}

// UnreadStore keeps the per participant, per chat unread counters.
type UnreadStore interface {
	Increment(ctx context.Context, chatID string, userIDs []int) error
	Reset(ctx context.Context, chatID string, userID int) error
	Count(ctx context.Context, chatID string, userID int) (int, error)
}

// Notifier hands messages for disconnected participants to the push
// delivery system.
type Notifier interface {
	Notify(ctx context.Context, notifications []models.PushNotification) error
	Close() error
}
