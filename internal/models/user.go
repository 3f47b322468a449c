package models

import "time"

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

type User struct {
	ID           int            `json:"id"`
	Username     string         `json:"username"`
	DisplayName  string         `json:"displayName,omitempty"`
	PasswordHash string         `json:"-"`
	Status       PresenceStatus `json:"status"`
	LastSeen     time.Time      `json:"lastSeen"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Info returns the display fields that travel with broadcasts.
func (u *User) Info() *UserInfo {
	return &UserInfo{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName}
}

// UserInfo holds basic user profile info to send with message and presence events
type UserInfo struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	UserID   int    `json:"userId"`
}

// PresenceEntry is the gateway's view of a connected user.
type PresenceEntry struct {
	UserID   int            `json:"userId"`
	ConnID   string         `json:"connId,omitempty"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}
