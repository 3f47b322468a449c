package realtime

import (
	"context"
	"fmt"
	"log/slog"

	"chat-gateway/internal/models"
	"chat-gateway/internal/services"
)

// ReadTracker maintains read-by sets and resets unread counters.
type ReadTracker struct {
	chats    services.ChatStore
	messages services.MessageStore
	unread   services.UnreadStore
	users    services.UserStore
	fan      *fanout
	log      *slog.Logger
}

// MarkMessageRead adds userID to the message's read-by set. The receipt is
// broadcast to the chat only the first time a user reads the message.
func (r *ReadTracker) MarkMessageRead(ctx context.Context, messageID int64, userID int) ([]int, error) {
	msg, err := r.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	chat, err := r.chats.GetChat(ctx, msg.ChatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, services.ErrNotAuthorized
	}

	readBy, added, err := r.messages.AddReader(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if added {
		receipt := models.MessageRead{MessageID: messageID, ChatID: msg.ChatID, ReadBy: readBy}
		if user, err := r.users.GetUser(ctx, userID); err == nil {
			receipt.User = user.Info()
		} else {
			receipt.User = &models.UserInfo{ID: userID}
		}
		r.fan.toRoom(msg.ChatID, models.EventMessageRead, receipt, "")
	}
	return readBy, nil
}

// MarkChatRead marks every message of the chat as read by userID and resets
// the user's unread counter. It returns how many messages changed.
func (r *ReadTracker) MarkChatRead(ctx context.Context, chatID string, userID int) (int, error) {
	chat, err := r.chats.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !chat.HasParticipant(userID) {
		return 0, services.ErrNotAuthorized
	}
	return r.markChatRead(ctx, chat.ID, userID)
}

func (r *ReadTracker) markChatRead(ctx context.Context, chatID string, userID int) (int, error) {
	n, err := r.messages.MarkChatRead(ctx, chatID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark chat read: %w", err)
	}
	if err := r.unread.Reset(ctx, chatID, userID); err != nil {
		return n, fmt.Errorf("reset unread counter: %w", err)
	}
	return n, nil
}

// Unread returns userID's counter for a chat it participates in.
func (r *ReadTracker) Unread(ctx context.Context, chatID string, userID int) (int, error) {
	chat, err := r.chats.GetChat(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !chat.HasParticipant(userID) {
		return 0, services.ErrNotAuthorized
	}
	return r.unread.Count(ctx, chatID, userID)
}
