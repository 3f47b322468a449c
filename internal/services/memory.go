package services

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"chat-gateway/internal/models"

	"github.com/google/uuid"
)

// MemoryStore implements UserStore, ChatStore and MessageStore in process
// memory. It backs STORAGE_DRIVER=memory and the test suites. Returned values
// are copies; callers may mutate them freely.
type MemoryStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	users    map[int]*models.User
	chats    map[string]*models.Chat
	messages map[int64]*models.Message
	nextUser int
	nextMsg  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		users:    make(map[int]*models.User),
		chats:    make(map[string]*models.Chat),
		messages: make(map[int64]*models.Message),
	}
}

func copyUser(u *models.User) *models.User {
	cp := *u
	return &cp
}

func copyChat(c *models.Chat) *models.Chat {
	cp := *c
	cp.Participants = slices.Clone(c.Participants)
	return &cp
}

func copyMessage(m *models.Message) *models.Message {
	cp := *m
	cp.ReadBy = slices.Clone(m.ReadBy)
	return &cp
}

// Users

func (s *MemoryStore) GetUser(_ context.Context, id int) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUser(u), nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			return copyUser(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, user.Username) {
			return ErrUserExists
		}
	}
	if user.ID == 0 {
		s.nextUser++
		user.ID = s.nextUser
	} else if user.ID > s.nextUser {
		s.nextUser = user.ID
	}
	if user.Status == "" {
		user.Status = models.StatusOffline
	}
	now := s.now()
	user.CreatedAt, user.LastSeen = now, now
	s.users[user.ID] = copyUser(user)
	return nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id int, status models.PresenceStatus, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Status = status
	u.LastSeen = lastSeen
	return nil
}

// Chats

func (s *MemoryStore) GetChat(_ context.Context, id string) (*models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return copyChat(c), nil
}

func (s *MemoryStore) ListUserChats(_ context.Context, userID int) ([]models.Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chat
	for _, c := range s.chats {
		if c.HasParticipant(userID) {
			out = append(out, *copyChat(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *MemoryStore) CreateChat(_ context.Context, chat *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chat.ID == "" {
		chat.ID = uuid.New().String()
	}
	if chat.Type == "" {
		chat.Type = "group"
	}
	chat.CreatedAt = s.now()
	var participants []int
	for _, p := range chat.Participants {
		if !slices.Contains(participants, p) {
			participants = append(participants, p)
		}
	}
	sort.Ints(participants)
	chat.Participants = participants
	s.chats[chat.ID] = copyChat(chat)
	return nil
}

func (s *MemoryStore) GetOrCreateDirectChat(ctx context.Context, userID1, userID2 int) (*models.Chat, bool, error) {
	s.mu.RLock()
	for _, c := range s.chats {
		if c.Type == "direct" && c.HasParticipant(userID1) && c.HasParticipant(userID2) {
			cp := copyChat(c)
			s.mu.RUnlock()
			return cp, false, nil
		}
	}
	s.mu.RUnlock()

	chat := &models.Chat{Type: "direct", Participants: []int{userID1, userID2}}
	if err := s.CreateChat(ctx, chat); err != nil {
		return nil, false, err
	}
	return chat, true, nil
}

// Messages

func (s *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[msg.ChatID]; !ok {
		return ErrChatNotFound
	}
	s.nextMsg++
	msg.ID = s.nextMsg
	now := s.now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	s.messages[msg.ID] = copyMessage(msg)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) AddReader(_ context.Context, id int64, userID int) ([]int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, ErrMessageNotFound
	}
	if m.IsReadBy(userID) {
		return slices.Clone(m.ReadBy), false, nil
	}
	m.ReadBy = append(m.ReadBy, userID)
	return slices.Clone(m.ReadBy), true, nil
}

func (s *MemoryStore) MarkChatRead(_ context.Context, chatID string, userID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.ChatID == chatID && !m.IsReadBy(userID) {
			m.ReadBy = append(m.ReadBy, userID)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListChatMessages(_ context.Context, chatID string, page, limit int) ([]models.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []models.Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			all = append(all, *copyMessage(m))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	start := (page - 1) * limit
	if start < 0 || start >= total {
		return []models.Message{}, total, nil
	}
	end := min(start+limit, total)
	return all[start:end], total, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id int64, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	m.Content = content
	m.Edited = true
	m.UpdatedAt = s.now()
	return copyMessage(m), nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return ErrMessageNotFound
	}
	delete(s.messages, id)
	return nil
}
