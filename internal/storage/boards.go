package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/banshohq/bansho/internal/model"
)

// CreateBoard inserts a board with version 0. Idempotent: creating an
// existing board is a no-op.
func (db *DB) CreateBoard(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO boards (id) VALUES ($1) ON CONFLICT DO NOTHING`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: create board: %w", err)
	}
	return nil
}

// GetVersion returns the board's current version.
func (db *DB) GetVersion(ctx context.Context, boardID uuid.UUID) (int64, error) {
	var version int64
	err := db.pool.QueryRow(ctx,
		`SELECT version FROM boards WHERE id = $1`, boardID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: board %s: %w", boardID, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: get version: %w", err)
	}
	return version, nil
}

// IncrementVersion bumps the board version counter and returns the new value.
// A single UPDATE ... RETURNING is the only mutation path for the counter, so
// concurrent increments never lose updates. The boards row is the hottest
// lock in the system; deadlocks against concurrent object mutations are
// retried rather than surfaced.
func (db *DB) IncrementVersion(ctx context.Context, boardID uuid.UUID) (int64, error) {
	var version int64
	err := db.withRetry(ctx, "increment version", func() error {
		return db.pool.QueryRow(ctx,
			`UPDATE boards SET version = version + 1 WHERE id = $1 RETURNING version`, boardID,
		).Scan(&version)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("storage: board %s: %w", boardID, ErrNotFound)
		}
		return 0, fmt.Errorf("storage: increment version: %w", err)
	}
	return version, nil
}

// VersionCheck is the outcome of an optimistic-concurrency fence check.
type VersionCheck struct {
	OK      bool
	Current int64
}

// CheckVersion compares the board's version against the version a mutation
// batch was computed from. A mismatch means the snapshot is stale.
func (db *DB) CheckVersion(ctx context.Context, boardID uuid.UUID, expected int64) (VersionCheck, error) {
	current, err := db.GetVersion(ctx, boardID)
	if err != nil {
		return VersionCheck{}, err
	}
	return VersionCheck{OK: current == expected, Current: current}, nil
}

// IdempotentCreateResult reports the outcome of an idempotent object insert.
type IdempotentCreateResult struct {
	ID             uuid.UUID
	AlreadyExisted bool
}

// IdempotentCreateObject creates a board object keyed by (board_id, client_id).
// At most one row per pair ever exists: a retried creation with the same
// client_id returns the original id, and an insert that loses a unique-
// constraint race re-queries the winner instead of surfacing an error.
func (db *DB) IdempotentCreateObject(
	ctx context.Context,
	boardID uuid.UUID,
	clientID string,
	kind model.ObjectKind,
	props map[string]any,
) (IdempotentCreateResult, error) {
	// Fast path: the object may already exist from a prior attempt.
	if id, err := db.lookupObjectID(ctx, boardID, clientID); err == nil {
		return IdempotentCreateResult{ID: id, AlreadyExisted: true}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotentCreateResult{}, fmt.Errorf("storage: lookup object: %w", err)
	}

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return IdempotentCreateResult{}, fmt.Errorf("storage: marshal object props: %w", err)
	}

	id := uuid.New()
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO board_objects (id, board_id, client_id, kind, props)
		 VALUES ($1, $2, $3, $4, $5::jsonb)
		 ON CONFLICT (board_id, client_id) DO NOTHING`,
		id, boardID, clientID, string(kind), propsJSON,
	)
	if err != nil {
		return IdempotentCreateResult{}, fmt.Errorf("storage: create object: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotentCreateResult{ID: id}, nil
	}

	// Lost the race: another caller inserted the same (board_id, client_id)
	// between our lookup and insert. The winner's row is the object.
	winnerID, err := db.lookupObjectID(ctx, boardID, clientID)
	if err != nil {
		return IdempotentCreateResult{}, fmt.Errorf("storage: re-query object after conflict: %w", err)
	}
	return IdempotentCreateResult{ID: winnerID, AlreadyExisted: true}, nil
}

func (db *DB) lookupObjectID(ctx context.Context, boardID uuid.UUID, clientID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT id FROM board_objects WHERE board_id = $1 AND client_id = $2`,
		boardID, clientID,
	).Scan(&id)
	return id, err
}

// UpdateObject merges props into an existing object. Safely repeatable:
// applying the same merge twice yields the same row.
func (db *DB) UpdateObject(ctx context.Context, boardID, objectID uuid.UUID, props map[string]any) error {
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("storage: marshal object props: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE board_objects SET props = props || $1::jsonb
		 WHERE id = $2 AND board_id = $3`,
		propsJSON, objectID, boardID,
	)
	if err != nil {
		return fmt.Errorf("storage: update object: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: object %s: %w", objectID, ErrNotFound)
	}
	return nil
}

// DeleteObject removes an object. Deleting an already-deleted object is a
// no-op, which keeps retried delete tool calls safely repeatable.
func (db *DB) DeleteObject(ctx context.Context, boardID, objectID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM board_objects WHERE id = $1 AND board_id = $2`, objectID, boardID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete object: %w", err)
	}
	return nil
}

// DeleteAllObjects clears every object on a board. Destructive: callers gate
// this behind explicit confirmation.
func (db *DB) DeleteAllObjects(ctx context.Context, boardID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM board_objects WHERE board_id = $1`, boardID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: delete all objects: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FetchSnapshot returns a read-only view of a board: counts, objects and
// connectors, plus the version the snapshot was taken at.
func (db *DB) FetchSnapshot(ctx context.Context, boardID uuid.UUID) (model.BoardSnapshot, error) {
	version, err := db.GetVersion(ctx, boardID)
	if err != nil {
		return model.BoardSnapshot{}, err
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, board_id, client_id, kind, props, created_at
		 FROM board_objects WHERE board_id = $1
		 ORDER BY created_at, id`,
		boardID,
	)
	if err != nil {
		return model.BoardSnapshot{}, fmt.Errorf("storage: fetch snapshot: %w", err)
	}
	defer rows.Close()

	snap := model.BoardSnapshot{BoardID: boardID, Version: version}
	for rows.Next() {
		var (
			obj       model.BoardObject
			kindStr   string
			propsJSON []byte
		)
		if err := rows.Scan(&obj.ID, &obj.BoardID, &obj.ClientID, &kindStr, &propsJSON, &obj.CreatedAt); err != nil {
			return model.BoardSnapshot{}, fmt.Errorf("storage: scan object: %w", err)
		}
		obj.Kind = model.ObjectKind(kindStr)
		if len(propsJSON) > 0 {
			if err := json.Unmarshal(propsJSON, &obj.Props); err != nil {
				return model.BoardSnapshot{}, fmt.Errorf("storage: unmarshal object props: %w", err)
			}
		}
		if obj.Kind == model.KindConnector {
			snap.Connectors = append(snap.Connectors, obj)
		} else {
			snap.Objects = append(snap.Objects, obj)
		}
	}
	if err := rows.Err(); err != nil {
		return model.BoardSnapshot{}, fmt.Errorf("storage: snapshot rows: %w", err)
	}

	snap.Counts = model.SnapshotCounts{
		Objects:    len(snap.Objects),
		Connectors: len(snap.Connectors),
	}
	return snap, nil
}
