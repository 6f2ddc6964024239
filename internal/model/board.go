package model

import (
	"time"

	"github.com/google/uuid"
)

// Board is the shared mutable target of commands. Its version strictly
// increases per committed mutation batch and acts as an optimistic
// concurrency fence.
type Board struct {
	ID        uuid.UUID `json:"id"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// ObjectKind classifies a board object.
type ObjectKind string

const (
	KindStickyNote ObjectKind = "sticky_note"
	KindShape      ObjectKind = "shape"
	KindText       ObjectKind = "text"
	KindFrame      ObjectKind = "frame"
	KindConnector  ObjectKind = "connector"
)

// BoardObject is one element on a board. ClientID is the caller-supplied
// idempotency key: at most one row per (board, client_id) ever exists.
type BoardObject struct {
	ID        uuid.UUID      `json:"id"`
	BoardID   uuid.UUID      `json:"board_id"`
	ClientID  string         `json:"client_id"`
	Kind      ObjectKind     `json:"kind"`
	Props     map[string]any `json:"props"`
	CreatedAt time.Time      `json:"created_at"`
}

// SnapshotCounts summarizes a snapshot's size.
type SnapshotCounts struct {
	Objects    int `json:"objects"`
	Connectors int `json:"connectors"`
}

// BoardSnapshot is a read-only view of a board used to build model context.
type BoardSnapshot struct {
	BoardID    uuid.UUID      `json:"board_id"`
	Version    int64          `json:"version"`
	Counts     SnapshotCounts `json:"counts"`
	Objects    []BoardObject  `json:"objects"`
	Connectors []BoardObject  `json:"connectors"`
}
