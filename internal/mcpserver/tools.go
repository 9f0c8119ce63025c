package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/instruktai/teleclaude/internal/cache"
	"github.com/instruktai/teleclaude/internal/command"
	"github.com/instruktai/teleclaude/internal/common/logger"
	"github.com/instruktai/teleclaude/internal/poller"
)

func registerTools(s *server.MCPServer, ingress *command.Ingress, snapshots *cache.Cache, pollers *poller.Registry, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("teleclaude_list_sessions",
			mcp.WithDescription("List agent sessions with their short ids, status, agent kind, and working directory."),
		),
		listSessionsHandler(snapshots),
	)

	s.AddTool(
		mcp.NewTool("teleclaude_new_session",
			mcp.WithDescription("Start a new agent session in a working directory. Returns the queue entry id of the accepted command; the session is created when the command executes."),
			mcp.WithString("cwd",
				mcp.Required(),
				mcp.Description("Absolute working directory for the session"),
			),
			mcp.WithString("agent",
				mcp.Description("Agent kind (claude, gemini, codex); omit for automatic selection"),
			),
			mcp.WithString("message",
				mcp.Description("Optional first command to run in the session"),
			),
			mcp.WithString("caller_session_id",
				mcp.Description("Session id of the calling agent, injected by the stdio wrapper"),
			),
		),
		newSessionHandler(ingress),
	)

	s.AddTool(
		mcp.NewTool("teleclaude_send_message",
			mcp.WithDescription("Send text to a session's terminal. Output arrives as chunked events; use teleclaude_get_output to read it."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Target session id (full or short form)"),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("Text to deliver to the terminal"),
			),
			mcp.WithString("caller_session_id",
				mcp.Description("Session id of the calling agent, injected by the stdio wrapper"),
			),
		),
		sendMessageHandler(ingress),
	)

	s.AddTool(
		mcp.NewTool("teleclaude_end_session",
			mcp.WithDescription("Close a session and clean up its terminal."),
			mcp.WithString("session_id",
				mcp.Required(),
				mcp.Description("Target session id"),
			),
			mcp.WithString("caller_session_id",
				mcp.Description("Session id of the calling agent, injected by the stdio wrapper"),
			),
		),
		endSessionHandler(ingress),
	)

	s.AddTool(
		mcp.NewTool("teleclaude_get_output",
			mcp.WithDescription("Read the accumulated terminal output of a session as numbered (N/total) chunks. A terminal [Output Complete] line marks a finished command; without it, more output may still arrive."),
			mcp.WithString("short_id",
				mcp.Required(),
				mcp.Description("Session short id"),
			),
		),
		getOutputHandler(pollers),
	)
}

func listSessionsHandler(snapshots *cache.Cache) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snaps, err := snapshots.List(ctx, cache.EntitySession)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing failed: %v", err)), nil
		}
		var out strings.Builder
		out.WriteString("[")
		for i, snap := range snaps {
			if i > 0 {
				out.WriteString(",")
			}
			out.WriteString(snap.Data)
		}
		out.WriteString("]")
		return mcp.NewToolResultText(out.String()), nil
	}
}

func newSessionHandler(ingress *command.Ingress) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cwd, err := req.RequireString("cwd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		args := &command.NewSessionArgs{
			Cwd:     cwd,
			Agent:   req.GetString("agent", ""),
			Message: req.GetString("message", ""),
		}
		id, err := ingress.Submit(ctx, &command.Command{
			Kind:          command.KindNewSession,
			Source:        command.SourceMCP,
			CallerSession: req.GetString("caller_session_id", ""),
			Args:          args,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return acceptedResult(id), nil
	}
}

func sendMessageHandler(ingress *command.Ingress) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		id, err := ingress.Submit(ctx, &command.Command{
			Kind:          command.KindSendMessage,
			Source:        command.SourceMCP,
			CallerSession: req.GetString("caller_session_id", ""),
			Args:          &command.SendMessageArgs{SessionID: sessionID, Text: text},
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return acceptedResult(id), nil
	}
}

func endSessionHandler(ingress *command.Ingress) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		id, err := ingress.Submit(ctx, &command.Command{
			Kind:          command.KindEndSession,
			Source:        command.SourceMCP,
			CallerSession: req.GetString("caller_session_id", ""),
			Args:          &command.EndSessionArgs{SessionID: sessionID},
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return acceptedResult(id), nil
	}
}

// outputChunkSize bounds one tagged chunk of the AI-facing output form.
const outputChunkSize = 3500

func getOutputHandler(pollers *poller.Registry) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		shortID, err := req.RequireString("short_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := os.ReadFile(pollers.OutputFile(shortID))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("no output for session %s", shortID)), nil
		}
		return mcp.NewToolResultText(renderChunked(string(data), pollers.Completed(shortID))), nil
	}
}

// renderChunked formats session output for AI consumption: every piece is a
// standalone chunk tagged (N/total), with an explicit terminal marker once
// the command's exit marker was observed. Nothing is truncated.
func renderChunked(text string, completed bool) string {
	chunks := splitChunks(text, outputChunkSize)
	var b strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "(%d/%d)\n%s\n", i+1, len(chunks), chunk)
	}
	if completed {
		b.WriteString("[Output Complete]\n")
	}
	return b.String()
}

// splitChunks cuts text into <= limit pieces on line boundaries when
// possible.
func splitChunks(text string, limit int) []string {
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func acceptedResult(entryID int64) *mcp.CallToolResult {
	body, _ := json.Marshal(map[string]any{"accepted": true, "entry_id": entryID})
	return mcp.NewToolResultText(string(body))
}
