package services

import (
	"context"
	"errors"
	"fmt"

	"chat-gateway/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ChatService struct {
	pool *pgxpool.Pool
}

func NewChatService(pool *pgxpool.Pool) *ChatService {
	return &ChatService{pool: pool}
}

const chatSelect = `
	SELECT c.id, c.name, c.type, c.created_at,
	       COALESCE(array_agg(p.user_id ORDER BY p.user_id) FILTER (WHERE p.user_id IS NOT NULL), '{}')
	FROM chats c
	LEFT JOIN chat_participants p ON p.chat_id = c.id`

func scanChat(row pgx.Row) (*models.Chat, error) {
	var c models.Chat
	var participants []int32
	if err := row.Scan(&c.ID, &c.Name, &c.Type, &c.CreatedAt, &participants); err != nil {
		return nil, err
	}
	c.Participants = fromInt32s(participants)
	return &c, nil
}

func (s *ChatService) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	chat, err := scanChat(s.pool.QueryRow(ctx, chatSelect+` WHERE c.id = $1 GROUP BY c.id`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChatNotFound
	}
	return chat, err
}

func (s *ChatService) ListUserChats(ctx context.Context, userID int) ([]models.Chat, error) {
	query := chatSelect + `
	WHERE c.id IN (SELECT chat_id FROM chat_participants WHERE user_id = $1)
	GROUP BY c.id
	ORDER BY c.created_at`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

func (s *ChatService) CreateChat(ctx context.Context, chat *models.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.New().String()
	}
	if chat.Type == "" {
		chat.Type = "group"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `INSERT INTO chats (id, name, type) VALUES ($1, $2, $3) RETURNING created_at`,
		chat.ID, chat.Name, chat.Type).Scan(&chat.CreatedAt)
	if err != nil {
		return err
	}

	for _, userID := range chat.Participants {
		if _, err := tx.Exec(ctx, `INSERT INTO chat_participants (chat_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, chat.ID, userID); err != nil {
			return fmt.Errorf("add participant %d: %w", userID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *ChatService) GetOrCreateDirectChat(ctx context.Context, userID1, userID2 int) (*models.Chat, bool, error) {
	// Check if chat exists
	query := `
		SELECT c.id
		FROM chats c
		JOIN chat_participants p1 ON c.id = p1.chat_id
		JOIN chat_participants p2 ON c.id = p2.chat_id
		WHERE c.type = 'direct'
		AND p1.user_id = $1
		AND p2.user_id = $2
		LIMIT 1
	`
	var chatID string
	err := s.pool.QueryRow(ctx, query, userID1, userID2).Scan(&chatID)
	if err == nil {
		chat, err := s.GetChat(ctx, chatID)
		return chat, false, err
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	chat := &models.Chat{Type: "direct", Participants: []int{userID1, userID2}}
	if err := s.CreateChat(ctx, chat); err != nil {
		return nil, false, err
	}
	return chat, true, nil
}

func toInt32s(in []int) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

func fromInt32s(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
