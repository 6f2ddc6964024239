package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxCommandTextLen bounds the command text accepted at the API boundary.
// Classification and tool selection are O(len), but prompt size is not.
const MaxCommandTextLen = 8 * 1024

// CommandRequest is the body of POST /v1/boards/{board_id}/commands.
// CommandID is the client-supplied idempotency key: resubmitting the same
// (board, command_id) never creates a second run.
type CommandRequest struct {
	CommandID   uuid.UUID      `json:"command_id"`
	CommandText string         `json:"command_text"`
	Viewport    *Viewport      `json:"viewport,omitempty"`
	ScreenSize  *ScreenSize    `json:"screen_size,omitempty"`
	Selection   []uuid.UUID    `json:"selection,omitempty"`
	History     []HistoryEntry `json:"history,omitempty"`
}

// Validate checks request bounds before any run record is created.
func (r CommandRequest) Validate() error {
	if r.CommandID == uuid.Nil {
		return fmt.Errorf("command_id is required")
	}
	if r.CommandText == "" {
		return fmt.Errorf("command_text is required")
	}
	if len(r.CommandText) > MaxCommandTextLen {
		return fmt.Errorf("command_text exceeds maximum length of %d bytes", MaxCommandTextLen)
	}
	return nil
}

// AuthTokenRequest is the body of POST /auth/token.
type AuthTokenRequest struct {
	UserID string `json:"user_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse carries an issued JWT.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// APIResponse is the standard response envelope for non-streaming responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
