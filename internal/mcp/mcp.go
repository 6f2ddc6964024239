// Package mcp implements the Model Context Protocol surface for Bansho.
//
// MCP-compatible agents drive the command pipeline through two tools:
// bansho_run_command submits a natural-language command, bansho_get_run
// inspects the run ledger. The MCP transport is not a stream, so a run's
// protocol events are aggregated into one response.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/service/command"
)

// Server wraps the MCP server with Bansho's command service.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	commandSvc *command.Service
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all tools.
func New(commandSvc *command.Service, version string, logger *slog.Logger) *Server {
	s := &Server{
		commandSvc: commandSvc,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"bansho",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("bansho_run_command",
			mcplib.WithDescription(`Execute a natural-language command against a shared board.

The command is routed, planned and executed server-side; this tool returns
the full ordered protocol event sequence once the run reaches a terminal
state. Pass the same command_id again to replay a finished run or resume an
interrupted one — resubmission never duplicates work.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("board_id",
				mcplib.Description("UUID of the board to run the command against"),
				mcplib.Required(),
			),
			mcplib.WithString("command_text",
				mcplib.Description("The natural-language command, e.g. 'create a SWOT analysis'"),
				mcplib.Required(),
			),
			mcplib.WithString("command_id",
				mcplib.Description("Optional client-supplied UUID idempotency key. Omit to generate one; reuse it to replay or resume."),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Identity to attribute the run to"),
			),
		),
		s.handleRunCommand,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("bansho_get_run",
			mcplib.WithDescription(`Inspect the ledger record for a command run: status, chosen model,
progress, version range and the stored response. Reading an abandoned
in-flight run converts it to failed with a timeout payload.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("board_id",
				mcplib.Description("UUID of the board"),
				mcplib.Required(),
			),
			mcplib.WithString("command_id",
				mcplib.Description("UUID of the command whose run to fetch"),
				mcplib.Required(),
			),
		),
		s.handleGetRun,
	)
}

func (s *Server) handleRunCommand(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	boardID, err := uuid.Parse(request.GetString("board_id", ""))
	if err != nil {
		return errorResult("board_id must be a valid UUID"), nil
	}
	commandText := request.GetString("command_text", "")
	if commandText == "" {
		return errorResult("command_text is required"), nil
	}

	commandID := uuid.New()
	if raw := request.GetString("command_id", ""); raw != "" {
		commandID, err = uuid.Parse(raw)
		if err != nil {
			return errorResult("command_id must be a valid UUID"), nil
		}
	}
	userID := request.GetString("user_id", "mcp")

	var events []model.StreamEvent
	err = s.commandSvc.Execute(ctx, boardID, userID, model.CommandRequest{
		CommandID:   commandID,
		CommandText: commandText,
	}, func(ev model.StreamEvent) {
		events = append(events, ev)
	})
	if err != nil {
		return errorResult(fmt.Sprintf("command failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"command_id": commandID,
		"events":     events,
	}, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	boardID, err := uuid.Parse(request.GetString("board_id", ""))
	if err != nil {
		return errorResult("board_id must be a valid UUID"), nil
	}
	commandID, err := uuid.Parse(request.GetString("command_id", ""))
	if err != nil {
		return errorResult("command_id must be a valid UUID"), nil
	}

	run, err := s.commandSvc.GetRun(ctx, boardID, commandID)
	if err != nil {
		return errorResult(fmt.Sprintf("get run failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(run, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		IsError: true,
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
	}
}
