package services

import (
	"context"
	"errors"

	"chat-gateway/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MessageService struct {
	pool *pgxpool.Pool
}

func NewMessageService(pool *pgxpool.Pool) *MessageService {
	return &MessageService{pool: pool}
}

const messageColumns = `id, chat_id, sender_id, content, type, read_by, edited, created_at, updated_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var msgType string
	var readBy []int32
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &msgType, &readBy, &m.Edited, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	m.Type = models.MessageType(msgType)
	m.ReadBy = fromInt32s(readBy)
	return &m, nil
}

func (s *MessageService) CreateMessage(ctx context.Context, msg *models.Message) error {
	query := `INSERT INTO messages (chat_id, sender_id, content, type, read_by) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at, updated_at`
	return s.pool.QueryRow(ctx, query, msg.ChatID, msg.SenderID, msg.Content, string(msg.Type), toInt32s(msg.ReadBy)).
		Scan(&msg.ID, &msg.CreatedAt, &msg.UpdatedAt)
}

func (s *MessageService) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	return scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (s *MessageService) AddReader(ctx context.Context, id int64, userID int) ([]int, bool, error) {
	var readBy []int32
	query := `UPDATE messages SET read_by = array_append(read_by, $2) WHERE id = $1 AND NOT ($2 = ANY(read_by)) RETURNING read_by`
	err := s.pool.QueryRow(ctx, query, id, userID).Scan(&readBy)
	if err == nil {
		return fromInt32s(readBy), true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	// Either already read or the message does not exist.
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return msg.ReadBy, false, nil
}

func (s *MessageService) MarkChatRead(ctx context.Context, chatID string, userID int) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET read_by = array_append(read_by, $2) WHERE chat_id = $1 AND NOT ($2 = ANY(read_by))`,
		chatID, userID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *MessageService) ListChatMessages(ctx context.Context, chatID string, page, limit int) ([]models.Message, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE chat_id = $1`, chatID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, chatID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *msg)
	}
	return messages, total, rows.Err()
}

func (s *MessageService) UpdateContent(ctx context.Context, id int64, content string) (*models.Message, error) {
	query := `UPDATE messages SET content = $2, edited = true, updated_at = now() WHERE id = $1 RETURNING ` + messageColumns
	return scanMessage(s.pool.QueryRow(ctx, query, id, content))
}

func (s *MessageService) DeleteMessage(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}
