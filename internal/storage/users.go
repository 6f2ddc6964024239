package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// User is an authenticated principal. CanWrite gates command submission.
type User struct {
	ID         uuid.UUID
	UserID     string
	APIKeyHash string
	CanWrite   bool
	CreatedAt  time.Time
}

// CreateUser inserts a user with a pre-hashed API key.
func (db *DB) CreateUser(ctx context.Context, userID, apiKeyHash string, canWrite bool) (User, error) {
	u := User{
		ID:         uuid.New(),
		UserID:     userID,
		APIKeyHash: apiKeyHash,
		CanWrite:   canWrite,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, user_id, api_key_hash, can_write, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.UserID, u.APIKeyHash, u.CanWrite, u.CreatedAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by their external user_id.
func (db *DB) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := db.pool.QueryRow(ctx,
		`SELECT id, user_id, api_key_hash, can_write, created_at
		 FROM users WHERE user_id = $1`, userID,
	).Scan(&u.ID, &u.UserID, &u.APIKeyHash, &u.CanWrite, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, fmt.Errorf("storage: user %s: %w", userID, ErrNotFound)
		}
		return User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}
