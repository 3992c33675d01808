package axewatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/axewatch/internal/store"
)

var testMCPImpl = &mcp.Implementation{Name: "axewatch-test", Version: "0.1.0"}

func mcpSession(t *testing.T, api *API) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	api.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func mcpCallOK(t *testing.T, session *mcp.ClientSession, name string, args any, out any) {
	t.Helper()
	text, isErr := mcpCall(t, session, name, args)
	if isErr {
		t.Fatalf("CallTool(%s) tool error: %s", name, text)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("CallTool(%s): unmarshal %q: %v", name, text, err)
	}
}

func TestMCP_ListTools(t *testing.T) {
	session := mcpSession(t, testAPI(t, false))
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"axewatch_pages": true, "axewatch_violations": true, "axewatch_scan": true, "axewatch_history": true}
	for _, tool := range res.Tools {
		delete(want, tool.Name)
	}
	if len(want) != 0 {
		t.Fatalf("missing tools: %v", want)
	}
}

func TestMCP_Pages(t *testing.T) {
	session := mcpSession(t, testAPI(t, false))
	var resp struct {
		Pages []PageStatus `json:"pages"`
	}
	mcpCallOK(t, session, "axewatch_pages", map[string]any{}, &resp)
	if len(resp.Pages) != 1 || resp.Pages[0].URL != "https://example.test/" {
		t.Fatalf("pages: got %+v", resp.Pages)
	}
}

func TestMCP_ViolationsAndScan(t *testing.T) {
	session := mcpSession(t, testAPI(t, false))

	var before violationsResponse
	mcpCallOK(t, session, "axewatch_violations", map[string]any{"page_id": "home"}, &before)
	if len(before.Violations) != 1 {
		t.Fatalf("violations: got %+v", before.Violations)
	}

	var after violationsResponse
	mcpCallOK(t, session, "axewatch_scan", map[string]any{"page_id": "home"}, &after)
	if len(after.Violations) != 0 {
		t.Fatalf("violations after scan: got %+v", after.Violations)
	}
}

func TestMCP_Errors(t *testing.T) {
	session := mcpSession(t, testAPI(t, false))

	text, isErr := mcpCall(t, session, "axewatch_violations", map[string]any{"page_id": "nope"})
	if !isErr || !strings.Contains(text, "page not found") {
		t.Fatalf("unknown page: got %q (error %v)", text, isErr)
	}
	text, isErr = mcpCall(t, session, "axewatch_history", map[string]any{})
	if !isErr || !strings.Contains(text, "history disabled") {
		t.Fatalf("history without store: got %q (error %v)", text, isErr)
	}
}

func TestMCP_History(t *testing.T) {
	session := mcpSession(t, testAPI(t, true))

	var list struct {
		Runs []*store.Run `json:"runs"`
	}
	mcpCallOK(t, session, "axewatch_history", map[string]any{"page_id": "home", "limit": 10}, &list)
	if len(list.Runs) != 1 {
		t.Fatalf("runs: got %+v", list.Runs)
	}

	var run runResponse
	mcpCallOK(t, session, "axewatch_history", map[string]any{"run_id": list.Runs[0].ID}, &run)
	if run.Run == nil || run.Run.PageID != "home" || len(run.Violations) != 1 {
		t.Fatalf("run: got %+v", run)
	}
}
