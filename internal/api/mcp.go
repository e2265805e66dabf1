package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/clubsync/internal/cache"
	"github.com/kalambet/clubsync/internal/connectivity"
	"github.com/kalambet/clubsync/internal/queue"
	"github.com/kalambet/clubsync/internal/syncer"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Queue  *queue.Queue
	Syncer *syncer.Worker
	Cache  *cache.Store
	Oracle connectivity.Oracle
}

// NewMCPServer creates an MCP server with the sync tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"clubsync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("clubsync keeps the club app usable offline: cached reads and queued writes."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report connectivity, the number of queued offline writes and the last replay result."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("process_queue",
			mcp.WithDescription("Replay queued offline writes against the club API now."),
		),
		mcpProcessQueue(deps),
	)

	s.AddTool(
		mcp.NewTool("invalidate_cache",
			mcp.WithDescription("Drop cached reads so the next read refetches. Without a path every cached read is dropped."),
			mcp.WithString("path", mcp.Description("Query path, e.g. players.list")),
		),
		mcpInvalidateCache(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sync://queue",
			"Offline Queue",
			mcp.WithResourceDescription("Writes waiting for connectivity, oldest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

type syncStatus struct {
	Online   bool          `json:"online"`
	Queued   int           `json:"queued"`
	LastSync syncer.Status `json:"last_sync"`
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Queue.Len(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read queue: %v", err)), nil
		}
		st := syncStatus{
			Online: deps.Oracle.IsOnline(ctx),
			Queued: n,
		}
		if deps.Syncer != nil {
			st.LastSync = deps.Syncer.Status()
		}

		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpProcessQueue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sum, ran, err := deps.Syncer.RunOnce(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("replay failed: %v", err)), nil
		}
		if !ran {
			return mcpText("Nothing replayed: offline or queue empty"), nil
		}
		return mcpText(fmt.Sprintf("Replayed queue: %d succeeded, %d failed", sum.Success, sum.Failed)), nil
	}
}

func mcpInvalidateCache(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path := req.GetString("path", "")

		var (
			n   int
			err error
		)
		if path == "" {
			n, err = deps.Cache.ClearAll(ctx)
		} else {
			n, err = deps.Cache.InvalidatePath(ctx, path)
		}
		if err != nil {
			return mcpError(fmt.Sprintf("invalidation failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %d cached entries", n)), nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := deps.Queue.Items(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read queue: %w", err)
		}
		if items == nil {
			items = []queue.Item{}
		}

		b, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
