package models

import (
	"slices"
	"time"
)

type Chat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"` // "direct" or "group"
	Participants []int     `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HasParticipant reports whether userID currently belongs to the chat.
func (c *Chat) HasParticipant(userID int) bool {
	return slices.Contains(c.Participants, userID)
}

// OtherParticipants returns every participant except userID.
func (c *Chat) OtherParticipants(userID int) []int {
	others := make([]int, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			others = append(others, p)
		}
	}
	return others
}

type UnreadResponse struct {
	ChatID string `json:"chatId"`
	Unread int    `json:"unread"`
}

type CreateChatRequest struct {
	Name         string `json:"name"`
	Participants []int  `json:"participants"`
}

type CreateDirectChatRequest struct {
	RecipientID int `json:"recipientId"`
}

// DirectChatResponse tells the caller whether the direct chat already existed.
type DirectChatResponse struct {
	Chat    *Chat `json:"chat"`
	Created bool  `json:"created"`
}
