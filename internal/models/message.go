package models

import (
	"slices"
	"time"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a type clients may send. System messages are
// produced only by the server.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

type Message struct {
	ID        int64       `json:"id"`
	ChatID    string      `json:"chatId"`
	SenderID  int         `json:"senderId"`
	Sender    *UserInfo   `json:"sender,omitempty"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	ReadBy    []int       `json:"readBy"`
	Edited    bool        `json:"edited"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// IsReadBy reports whether userID is in the message's read-by set.
func (m *Message) IsReadBy(userID int) bool {
	return slices.Contains(m.ReadBy, userID)
}

type SendMessageRequest struct {
	ChatID  string      `json:"chatId"`
	Content string      `json:"content"`
	Type    MessageType `json:"type"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

// MessagePage is one page of a chat's history, newest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"hasMore"`
}

// PushNotification is handed to the push collaborator for participants that
// have no live connection when a message arrives.
type PushNotification struct {
	UserID     int       `json:"userId"`
	ChatID     string    `json:"chatId"`
	MessageID  int64     `json:"messageId"`
	SenderID   int       `json:"senderId"`
	SenderName string    `json:"senderName"`
	Preview    string    `json:"preview"`
	CreatedAt  time.Time `json:"createdAt"`
}
