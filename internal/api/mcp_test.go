package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/owlet/internal/indexer"
	"github.com/kalambet/owlet/internal/search"
	"github.com/kalambet/owlet/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *mockFolders, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	folders := newMockFolders()
	deps := MCPDeps{
		Search:  search.NewEngine(store, search.Options{}),
		Folders: folders,
		Files:   store,
	}
	return deps, folders, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_SearchDocuments(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	seedFiles(t, store)
	handler := mcpSearchDocuments(deps)

	result, err := handler(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
		"query": "zanzibar",
		"limit": float64(3),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var res search.Results
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(res.Items) != 1 || res.Items[0].Path != "/docs/report.txt" {
		t.Errorf("results = %+v", res.Items)
	}
	if res.Limit != 3 {
		t.Errorf("limit = %d, want 3", res.Limit)
	}
}

func TestMCPTool_SearchDocuments_EmptyIndex(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
		"query": "nothing here",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if text := toolText(t, result); !strings.Contains(text, `"results":[]`) {
		t.Errorf("expected empty results, got %s", text)
	}
}

func TestMCPTool_SearchDocuments_MissingQuery(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	result, err := mcpSearchDocuments(deps)(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError for missing query")
	}
}

func TestMCPTool_ListFolders(t *testing.T) {
	deps, folders, _ := newTestMCPDeps(t)
	handler := mcpListFolders(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_folders", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Errorf("expected [], got %s", text)
	}

	if _, err := folders.AddFolder(context.Background(), "/home/me/notes", nil, nil); err != nil {
		t.Fatalf("AddFolder: %v", err)
	}
	result, err = handler(context.Background(), makeCallToolRequest("list_folders", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []indexer.FolderInfo
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got) != 1 || got[0].Path != "/home/me/notes" {
		t.Errorf("folders = %+v", got)
	}
}

func TestMCPTool_FileStatus(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	seedFiles(t, store)
	handler := mcpFileStatus(deps)

	result, err := handler(context.Background(), makeCallToolRequest("file_status", map[string]interface{}{
		"path": "/docs/broken.pdf",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var fs FileStatus
	if err := json.Unmarshal([]byte(toolText(t, result)), &fs); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if fs.Readable || fs.Error != "corrupt pdf" {
		t.Errorf("file status = %+v", fs)
	}

	result, err = handler(context.Background(), makeCallToolRequest("file_status", map[string]interface{}{
		"path": "/docs/missing.txt",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not indexed") {
		t.Errorf("expected not-indexed error, got %s", toolText(t, result))
	}
}

func TestMCPResource_Status(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)

	contents, err := mcpResourceStatus(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "owlet://status"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var st indexer.Status
	if err := json.Unmarshal([]byte(tc.Text), &st); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if st.Status != indexer.StatusOK || st.WorkersAllowed != 2 {
		t.Errorf("status = %+v", st)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _, store := newTestMCPDeps(t)
	seedFiles(t, store)
	handler := mcpSearchDocuments(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := handler(context.Background(), makeCallToolRequest("search_documents", map[string]interface{}{
				"query": "revenue",
			}))
			if err != nil {
				errs <- err.Error()
				return
			}
			if result.IsError {
				errs <- "tool returned error"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
