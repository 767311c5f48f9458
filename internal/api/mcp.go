package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/voxdeck/internal/storage"
)

// Importer copies a local audio file into the upload area and queues it.
type Importer interface {
	Import(ctx context.Context, path, recipient, source string) (storage.Run, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runs     RunReader
	Importer Importer
}

// NewMCPServer creates an MCP server exposing run submission and lookup.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"voxdeck",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("voxdeck turns spoken audio into slide decks. Submit a local audio file, then poll the run until it is succeeded or failed."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_audio",
			mcp.WithDescription("Queue a local audio file for conversion into a slide deck. Returns the run id."),
			mcp.WithString("path", mcp.Description("Absolute path to the audio file"), mcp.Required()),
			mcp.WithString("recipient", mcp.Description("Optional WhatsApp number to deliver the deck to")),
		),
		mcpSubmitAudio(deps),
	)

	s.AddTool(
		mcp.NewTool("get_run",
			mcp.WithDescription("Get the status and result of a run."),
			mcp.WithString("id", mcp.Description("Run id returned by submit_audio"), mcp.Required()),
		),
		mcpGetRun(deps),
	)

	return s
}

func mcpSubmitAudio(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return mcpError(fmt.Sprintf("audio file not found at %s", path)), nil
		}

		run, err := deps.Importer.Import(ctx, path, req.GetString("recipient", ""), storage.SourceMCP)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued run %s", run.ID)), nil
	}
}

func mcpGetRun(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		run, err := deps.Runs.GetRun(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load run: %v", err)), nil
		}

		b, err := json.Marshal(taskResponse(run))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal run: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
