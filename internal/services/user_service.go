package services

import (
	"context"
	"errors"
	"time"

	"chat-gateway/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type UserService struct {
	pool *pgxpool.Pool
}

func NewUserService(pool *pgxpool.Pool) *UserService {
	return &UserService{pool: pool}
}

const userColumns = `id, username, display_name, password_hash, status, last_seen, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var status string
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &status, &u.LastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u.Status = models.PresenceStatus(status)
	return &u, nil
}

func (s *UserService) GetUser(ctx context.Context, id int) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *UserService) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
}

func (s *UserService) CreateUser(ctx context.Context, user *models.User) error {
	if user.Status == "" {
		user.Status = models.StatusOffline
	}
	query := `INSERT INTO users (username, display_name, password_hash, status) VALUES ($1, $2, $3, $4) RETURNING id, last_seen, created_at`
	err := s.pool.QueryRow(ctx, query, user.Username, user.DisplayName, user.PasswordHash, string(user.Status)).
		Scan(&user.ID, &user.LastSeen, &user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrUserExists
		}
		return err
	}
	return nil
}

func (s *UserService) SetStatus(ctx context.Context, id int, status models.PresenceStatus, lastSeen time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET status = $2, last_seen = $3 WHERE id = $1`, id, string(status), lastSeen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
