// Package tools implements the mutation tool registry: the only path through
// which model-requested changes reach the board store.
//
// Tool failures are data, not Go errors: Execute reports them in Result.Err
// so the agent loop can append an error transcript entry and keep going.
package tools

import (
	"encoding/json"

	"github.com/banshohq/bansho/internal/llm"
)

// Builtin tool names.
const (
	ToolCreateObject = "create_object"
	ToolUpdateObject = "update_object"
	ToolDeleteObject = "delete_object"
	ToolArrangeGrid  = "arrange_grid"
	ToolClearBoard   = "clear_board"
)

// Tool groups used by the router. Groups are disjoint; the core group is
// always offered.
var (
	CoreTools        = []string{ToolCreateObject, ToolUpdateObject}
	SelectionTools   = []string{ToolDeleteObject}
	LayoutTools      = []string{ToolArrangeGrid}
	DestructiveTools = []string{ToolClearBoard}
)

var schemas = map[string]llm.ToolSchema{
	ToolCreateObject: {
		Name:        ToolCreateObject,
		Description: "Create one object on the board. Kind is one of sticky_note, shape, text, frame, connector. Props carries position, size, text and styling.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"kind": {"type": "string", "enum": ["sticky_note", "shape", "text", "frame", "connector"]},
				"props": {"type": "object", "description": "x, y, width, height, text, color and kind-specific fields"}
			},
			"required": ["kind"]
		}`),
	},
	ToolUpdateObject: {
		Name:        ToolUpdateObject,
		Description: "Merge new props into an existing object. Only the supplied keys change.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"object_id": {"type": "string", "description": "id of the object to update"},
				"props": {"type": "object"}
			},
			"required": ["object_id", "props"]
		}`),
	},
	ToolDeleteObject: {
		Name:        ToolDeleteObject,
		Description: "Delete one object from the board.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"object_id": {"type": "string"}
			},
			"required": ["object_id"]
		}`),
	},
	ToolArrangeGrid: {
		Name:        ToolArrangeGrid,
		Description: "Arrange objects into a grid. Omit object_ids to arrange every non-connector object on the board.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"object_ids": {"type": "array", "items": {"type": "string"}},
				"columns": {"type": "integer", "minimum": 1},
				"origin_x": {"type": "number"},
				"origin_y": {"type": "number"},
				"spacing": {"type": "number", "minimum": 0}
			},
			"required": ["columns"]
		}`),
	},
	ToolClearBoard: {
		Name:        ToolClearBoard,
		Description: "Delete every object on the board. Destructive: requires confirm=true.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"confirm": {"type": "boolean", "description": "must be true to actually clear the board"}
			},
			"required": ["confirm"]
		}`),
	},
}

// Schemas returns provider tool schemas for the given tool names, preserving
// order. Unknown names are skipped.
func Schemas(names []string) []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		if s, ok := schemas[name]; ok {
			out = append(out, s)
		}
	}
	return out
}
