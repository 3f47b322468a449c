package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"chat-gateway/internal/metrics"
	"chat-gateway/internal/models"
	"chat-gateway/internal/services"
)

// Source identifies which ingress path produced a message.
type Source string

const (
	SourceAPI    Source = "api"
	SourceSocket Source = "socket"
	SourceSystem Source = "system"
)

// IngestHook runs after a user message has been persisted and broadcast.
// connID is the sender's live connection, empty when it has none.
type IngestHook func(ctx context.Context, msg *models.Message, src Source, connID string)

type IngestRequest struct {
	ChatID   string
	SenderID int
	Content  string
	Type     models.MessageType
	Source   Source
	ConnID   string
}

const previewLength = 80

// Pipeline is the one path by which a new message becomes durable and is
// fanned out, whichever ingress it arrived on.
type Pipeline struct {
	chats    services.ChatStore
	messages services.MessageStore
	unread   services.UnreadStore
	users    services.UserStore
	notifier services.Notifier
	presence *PresenceRegistry
	fan      *fanout
	metrics  *metrics.Metrics
	log      *slog.Logger
	system   models.UserInfo

	mu    sync.RWMutex
	hooks []IngestHook
}

// AddHook registers a post-ingestion hook. Hooks are not run for system
// messages.
func (p *Pipeline) AddHook(h IngestHook) {
	p.mu.Lock()
	p.hooks = append(p.hooks, h)
	p.mu.Unlock()
}

// Ingest validates, persists, counts, broadcasts and returns a user message.
// Only the persistence and authorization steps can fail the call.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (*models.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", services.ErrInvalidMessage)
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", services.ErrInvalidMessage, req.Type)
	}

	chat, err := p.chats.GetChat(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(req.SenderID) {
		return nil, services.ErrNotAuthorized
	}

	msg := &models.Message{
		ChatID:   chat.ID,
		SenderID: req.SenderID,
		Content:  content,
		Type:     req.Type,
		ReadBy:   []int{req.SenderID},
	}
	if err := p.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	p.metrics.MessagesIngested.WithLabelValues(string(req.Source)).Inc()

	others := chat.OtherParticipants(req.SenderID)
	if err := p.unread.Increment(ctx, chat.ID, others); err != nil {
		p.bestEffortFailed("unread_increment", err, "chat_id", chat.ID, "message_id", msg.ID)
	}

	msg.Sender = p.senderInfo(ctx, req.SenderID)
	p.fan.toRoom(chat.ID, models.EventNewMessage, msg, "")
	p.notifyOffline(ctx, msg, others)

	p.mu.RLock()
	hooks := p.hooks
	p.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, msg, req.Source, req.ConnID)
	}
	return msg, nil
}

// IngestSystem persists and broadcasts a message from the system identity.
// It skips participant authorization and unread bookkeeping.
func (p *Pipeline) IngestSystem(ctx context.Context, content, chatID string) (*models.Message, error) {
	msg := &models.Message{
		ChatID:   chatID,
		SenderID: p.system.ID,
		Content:  content,
		Type:     models.MessageSystem,
		ReadBy:   []int{p.system.ID},
	}
	if err := p.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist system message: %w", err)
	}
	p.metrics.MessagesIngested.WithLabelValues(string(SourceSystem)).Inc()

	sender := p.system
	msg.Sender = &sender
	p.fan.toRoom(chatID, models.EventNewMessage, msg, "")
	return msg, nil
}

// Edit replaces the content of a message sent by userID.
func (p *Pipeline) Edit(ctx context.Context, messageID int64, userID int, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", services.ErrInvalidMessage)
	}
	msg, err := p.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, services.ErrNotAuthorized
	}
	updated, err := p.messages.UpdateContent(ctx, messageID, content)
	if err != nil {
		return nil, err
	}
	updated.Sender = p.senderInfo(ctx, userID)
	p.fan.toRoom(updated.ChatID, models.EventMessageEdited, updated, "")
	return updated, nil
}

// Delete removes a message sent by userID.
func (p *Pipeline) Delete(ctx context.Context, messageID int64, userID int) error {
	msg, err := p.messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return services.ErrNotAuthorized
	}
	if err := p.messages.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	p.fan.toRoom(msg.ChatID, models.EventMessageDeleted, models.MessageDeleted{MessageID: msg.ID, ChatID: msg.ChatID}, "")
	return nil
}

func (p *Pipeline) senderInfo(ctx context.Context, userID int) *models.UserInfo {
	if userID == p.system.ID {
		sender := p.system
		return &sender
	}
	user, err := p.users.GetUser(ctx, userID)
	if err != nil {
		p.bestEffortFailed("sender_lookup", err, "user_id", userID)
		return &models.UserInfo{ID: userID}
	}
	return user.Info()
}

// notifyOffline hands the message to the push collaborator for every
// recipient without a presence entry.
func (p *Pipeline) notifyOffline(ctx context.Context, msg *models.Message, recipients []int) {
	var pending []models.PushNotification
	for _, userID := range recipients {
		if _, online := p.presence.Get(userID); online {
			continue
		}
		n := models.PushNotification{
			UserID:    userID,
			ChatID:    msg.ChatID,
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Preview:   preview(msg.Content),
			CreatedAt: msg.CreatedAt,
		}
		if msg.Sender != nil {
			n.SenderName = msg.Sender.Username
		}
		pending = append(pending, n)
	}
	if err := p.notifier.Notify(ctx, pending); err != nil {
		p.bestEffortFailed("push_notify", err, "message_id", msg.ID)
	}
}

func (p *Pipeline) bestEffortFailed(step string, err error, attrs ...any) {
	p.metrics.BestEffortFailures.WithLabelValues(step).Inc()
	p.log.Warn("best-effort step failed", append([]any{"step", step, "error", err}, attrs...)...)
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
