package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/owlet/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Search  Searcher
	Folders Folders
	Files   FileStore
}

// NewMCPServer creates an MCP server exposing the local document index.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"owlet",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("owlet indexes documents in local folders. Use search_documents to find files by content or name."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Full-text search over indexed local documents. Supports quoted phrases, -exclusions and trailing * prefixes."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchDocuments(deps),
	)
	s.AddTool(
		mcp.NewTool("list_folders",
			mcp.WithDescription("List watched folders with their file counts and watch state."),
		),
		mcpListFolders(deps),
	)
	s.AddTool(
		mcp.NewTool("file_status",
			mcp.WithDescription("Show the index record of one file, including why it could not be read."),
			mcp.WithString("path", mcp.Description("Absolute file path"), mcp.Required()),
		),
		mcpFileStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"owlet://status",
			"Index Status",
			mcp.WithResourceDescription("Queue depth, throttle state and index size as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpSearchDocuments(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		res := deps.Search.Search(ctx, query, limit, 0)
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListFolders(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		folders, err := deps.Folders.ListFolders()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list folders: %v", err)), nil
		}
		if len(folders) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(folders)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal folders: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpFileStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		f, err := deps.Files.GetFileByPath(path)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("%s is not indexed", path)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to look up file: %v", err)), nil
		}
		b, err := json.Marshal(fileStatus(f))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal file: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Folders.Status())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
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
