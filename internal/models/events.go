package models

import "encoding/json"

// Client -> server events
const (
	EventAuthenticate    = "authenticate"
	EventSendMessage     = "sendMessage"
	EventJoinChat        = "joinChat"
	EventLeaveChat       = "leaveChat"
	EventTyping          = "typing"
	EventMarkMessageRead = "markMessageRead"
	EventMarkChatRead    = "markChatRead"
	EventEditMessage     = "editMessage"
	EventDeleteMessage   = "deleteMessage"
	EventSetAutoResponse = "setAutoResponse"
)

// Server -> client events
const (
	EventAck              = "ack"
	EventConnected        = "connected"
	EventNewMessage       = "newMessage"
	EventUserStatusUpdate = "userStatusUpdate"
	EventUserTyping       = "userTyping"
	EventMessageRead      = "messageRead"
	EventMessageEdited    = "messageEdited"
	EventMessageDeleted   = "messageDeleted"
)

// WSMessage is the envelope of every socket frame. AckID, when set by the
// client, is echoed back on the matching ack.
type WSMessage struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is a frame written by the server.
type OutboundEvent struct {
	Event string `json:"event"`
	AckID string `json:"ackId,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type Ack struct {
	Success bool     `json:"success"`
	Error   string   `json:"error,omitempty"`
	Message *Message `json:"message,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
	DelayMs *int64   `json:"delayMs,omitempty"`
	Unread  *int     `json:"unread,omitempty"`
	Marked  *int     `json:"marked,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type ChatPayload struct {
	ChatID string `json:"chatId"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageIDPayload struct {
	MessageID int64 `json:"messageId"`
}

type EditMessagePayload struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

type AutoResponsePayload struct {
	Enabled *bool  `json:"enabled,omitempty"`
	DelayMs *int64 `json:"delayMs,omitempty"`
}

type ConnectedEvent struct {
	ConnID        string `json:"connId"`
	Authenticated bool   `json:"authenticated"`
	UserID        int    `json:"userId,omitempty"`
}

type UserStatusUpdate struct {
	UserID int            `json:"userId"`
	Status PresenceStatus `json:"status"`
	User   *UserInfo      `json:"user,omitempty"`
}

type UserTyping struct {
	ChatID   string `json:"chatId"`
	UserID   int    `json:"userId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

type MessageRead struct {
	MessageID int64     `json:"messageId"`
	ChatID    string    `json:"chatId"`
	ReadBy    []int     `json:"readBy"`
	User      *UserInfo `json:"user,omitempty"`
}

type MessageDeleted struct {
	MessageID int64  `json:"messageId"`
	ChatID    string `json:"chatId"`
}
