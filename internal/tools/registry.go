package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/storage"
)

const defaultGridSpacing = 40.0

// ClientID derives the deterministic idempotency key for the creating tool
// call at stepIndex of a run. A re-entered run reissues identical keys, so
// creations that already landed become no-ops.
func ClientID(commandID uuid.UUID, stepIndex int) string {
	return fmt.Sprintf("%s/step-%d", commandID, stepIndex)
}

// Call is one tool invocation to dispatch. ClientID is the deterministic
// idempotency key for creating tools: a re-entered run reissues the same
// ClientID, so creations that already landed become no-ops.
type Call struct {
	BoardID  uuid.UUID
	UserID   string
	CallID   string
	ClientID string
	Name     string
	Args     json.RawMessage
}

// Result is the outcome of one tool call. Err is a tool-level failure that
// the caller feeds back to the model; a non-empty Err never aborts the run.
type Result struct {
	CallID            string
	Name              string
	Data              map[string]any
	Err               string
	NeedsConfirmation bool
}

// Registry dispatches tool calls against the board store. Every successful
// mutation bumps the board version exactly once; a creation that turns out to
// already exist does not.
type Registry struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewRegistry creates a tool registry backed by the given store.
func NewRegistry(db *storage.DB, logger *slog.Logger) *Registry {
	return &Registry{db: db, logger: logger}
}

// Execute dispatches one call. Storage-level failures and argument problems
// are both reported through Result.Err; Execute itself only fails on a
// cancelled context, which the caller checks separately.
func (r *Registry) Execute(ctx context.Context, call Call) Result {
	res := Result{CallID: call.CallID, Name: call.Name}

	var err error
	switch call.Name {
	case ToolCreateObject:
		res.Data, err = r.createObject(ctx, call)
	case ToolUpdateObject:
		res.Data, err = r.updateObject(ctx, call)
	case ToolDeleteObject:
		res.Data, err = r.deleteObject(ctx, call)
	case ToolArrangeGrid:
		res.Data, err = r.arrangeGrid(ctx, call)
	case ToolClearBoard:
		res.Data, res.NeedsConfirmation, err = r.clearBoard(ctx, call)
	default:
		res.Err = fmt.Sprintf("unknown tool %q", call.Name)
		return res
	}

	if err != nil {
		r.logger.Warn("tool call failed",
			"tool", call.Name,
			"call_id", call.CallID,
			"board_id", call.BoardID,
			"error", err,
		)
		res.Err = err.Error()
	}
	return res
}

// decodeArgs unmarshals raw arguments into a per-tool struct, rejecting
// unknown fields so a hallucinated argument fails loudly at the boundary.
func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

type createObjectArgs struct {
	Kind  string         `json:"kind"`
	Props map[string]any `json:"props"`
}

func (r *Registry) createObject(ctx context.Context, call Call) (map[string]any, error) {
	var args createObjectArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return nil, err
	}
	kind := model.ObjectKind(args.Kind)
	switch kind {
	case model.KindStickyNote, model.KindShape, model.KindText, model.KindFrame, model.KindConnector:
	default:
		return nil, fmt.Errorf("invalid arguments: unknown kind %q", args.Kind)
	}
	if args.Props == nil {
		args.Props = map[string]any{}
	}

	res, err := r.db.IdempotentCreateObject(ctx, call.BoardID, call.ClientID, kind, args.Props)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"id":              res.ID.String(),
		"client_id":       call.ClientID,
		"kind":            args.Kind,
		"already_existed": res.AlreadyExisted,
	}
	if res.AlreadyExisted {
		// The original insert already counted; repeating it must not move
		// the version.
		version, err := r.db.GetVersion(ctx, call.BoardID)
		if err != nil {
			return nil, err
		}
		data["version"] = version
		return data, nil
	}
	version, err := r.db.IncrementVersion(ctx, call.BoardID)
	if err != nil {
		return nil, err
	}
	data["version"] = version
	return data, nil
}

type updateObjectArgs struct {
	ObjectID string         `json:"object_id"`
	Props    map[string]any `json:"props"`
}

func (r *Registry) updateObject(ctx context.Context, call Call) (map[string]any, error) {
	var args updateObjectArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return nil, err
	}
	objectID, err := uuid.Parse(args.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments: object_id: %v", err)
	}
	if len(args.Props) == 0 {
		return nil, errors.New("invalid arguments: props must not be empty")
	}

	if err := r.db.UpdateObject(ctx, call.BoardID, objectID, args.Props); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("object %s not found", objectID)
		}
		return nil, err
	}
	version, err := r.db.IncrementVersion(ctx, call.BoardID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": objectID.String(), "version": version}, nil
}

type deleteObjectArgs struct {
	ObjectID string `json:"object_id"`
}

func (r *Registry) deleteObject(ctx context.Context, call Call) (map[string]any, error) {
	var args deleteObjectArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return nil, err
	}
	objectID, err := uuid.Parse(args.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("invalid arguments: object_id: %v", err)
	}

	if err := r.db.DeleteObject(ctx, call.BoardID, objectID); err != nil {
		return nil, err
	}
	version, err := r.db.IncrementVersion(ctx, call.BoardID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": objectID.String(), "version": version}, nil
}

type arrangeGridArgs struct {
	ObjectIDs []string `json:"object_ids"`
	Columns   int      `json:"columns"`
	OriginX   float64  `json:"origin_x"`
	OriginY   float64  `json:"origin_y"`
	Spacing   float64  `json:"spacing"`
}

func (r *Registry) arrangeGrid(ctx context.Context, call Call) (map[string]any, error) {
	var args arrangeGridArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return nil, err
	}
	if args.Columns < 1 {
		return nil, errors.New("invalid arguments: columns must be at least 1")
	}
	if args.Spacing <= 0 {
		args.Spacing = defaultGridSpacing
	}

	snap, err := r.db.FetchSnapshot(ctx, call.BoardID)
	if err != nil {
		return nil, err
	}

	targets := snap.Objects
	if len(args.ObjectIDs) > 0 {
		wanted := make(map[uuid.UUID]bool, len(args.ObjectIDs))
		for _, raw := range args.ObjectIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid arguments: object_ids: %v", err)
			}
			wanted[id] = true
		}
		filtered := targets[:0:0]
		for _, obj := range snap.Objects {
			if wanted[obj.ID] {
				filtered = append(filtered, obj)
			}
		}
		targets = filtered
	}
	if len(targets) == 0 {
		return nil, errors.New("no objects to arrange")
	}

	// Stable placement order regardless of snapshot iteration details.
	sort.Slice(targets, func(i, j int) bool {
		if !targets[i].CreatedAt.Equal(targets[j].CreatedAt) {
			return targets[i].CreatedAt.Before(targets[j].CreatedAt)
		}
		return targets[i].ID.String() < targets[j].ID.String()
	})

	cellW, cellH := gridCellSize(targets)
	for i, obj := range targets {
		row := i / args.Columns
		col := i % args.Columns
		props := map[string]any{
			"x": args.OriginX + float64(col)*(cellW+args.Spacing),
			"y": args.OriginY + float64(row)*(cellH+args.Spacing),
		}
		if err := r.db.UpdateObject(ctx, call.BoardID, obj.ID, props); err != nil {
			return nil, fmt.Errorf("arrange object %s: %w", obj.ID, err)
		}
	}

	// The layout was computed against the snapshot version. Arrange's own
	// placement updates don't move the counter, so a drift here means a
	// concurrent mutation interleaved with the layout.
	check, err := r.db.CheckVersion(ctx, call.BoardID, snap.Version)
	if err != nil {
		return nil, err
	}
	if !check.OK {
		return nil, fmt.Errorf("board changed during arrange (version %d, expected %d); re-read and retry",
			check.Current, snap.Version)
	}

	version, err := r.db.IncrementVersion(ctx, call.BoardID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"arranged": len(targets),
		"columns":  args.Columns,
		"version":  version,
	}, nil
}

// gridCellSize picks a uniform cell from the largest object dimensions, so
// nothing overlaps after placement.
func gridCellSize(objects []model.BoardObject) (w, h float64) {
	w, h = 160, 160
	for _, obj := range objects {
		if v, ok := obj.Props["width"].(float64); ok && v > w {
			w = v
		}
		if v, ok := obj.Props["height"].(float64); ok && v > h {
			h = v
		}
	}
	return w, h
}

type clearBoardArgs struct {
	Confirm bool `json:"confirm"`
}

func (r *Registry) clearBoard(ctx context.Context, call Call) (map[string]any, bool, error) {
	var args clearBoardArgs
	if err := decodeArgs(call.Args, &args); err != nil {
		return nil, false, err
	}
	if !args.Confirm {
		return map[string]any{"confirm_required": true}, true, nil
	}

	deleted, err := r.db.DeleteAllObjects(ctx, call.BoardID)
	if err != nil {
		return nil, false, err
	}
	version, err := r.db.IncrementVersion(ctx, call.BoardID)
	if err != nil {
		return nil, false, err
	}
	return map[string]any{"deleted": deleted, "version": version}, false, nil
}
