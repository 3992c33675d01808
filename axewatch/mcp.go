package axewatch

import (
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/axewatch/internal/kit"
)

// RegisterMCP registers the axewatch tools on an MCP server.
func (a *API) RegisterMCP(srv *mcp.Server) {
	a.registerPagesTool(srv)
	a.registerViolationsTool(srv)
	a.registerScanTool(srv)
	a.registerHistoryTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var pageIDProperty = map[string]any{"type": "string", "description": "Watched page id"}

func decodePage(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r pageRequest
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	if r.PageID == "" {
		return nil, errors.New("page_id is required")
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

// --- pages ---

func (a *API) registerPagesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "axewatch_pages",
		Description: "List the watched pages with their audited target, scan state and violation count.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	decode := func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{}, nil
	}
	kit.RegisterMCPTool(srv, tool, a.endpoint("pages", a.listPages), decode)
}

// --- violations ---

func (a *API) registerViolationsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "axewatch_violations",
		Description: "Return the accessibility violations found by the last completed scan of a page.",
		InputSchema: inputSchema(map[string]any{
			"page_id": pageIDProperty,
		}, []string{"page_id"}),
	}
	kit.RegisterMCPTool(srv, tool, a.endpoint("violations", a.pageViolations), decodePage)
}

// --- scan ---

func (a *API) registerScanTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "axewatch_scan",
		Description: "Scan a page now and return its violations once the scan queue has drained.",
		InputSchema: inputSchema(map[string]any{
			"page_id": pageIDProperty,
		}, []string{"page_id"}),
	}
	kit.RegisterMCPTool(srv, tool, a.endpoint("scan", a.scanPage), decodePage)
}

// --- history ---

func (a *API) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "axewatch_history",
		Description: "List stored scan runs, newest first, or return one run with its violations when run_id is given.",
		InputSchema: inputSchema(map[string]any{
			"page_id": map[string]any{"type": "string", "description": "Only runs of this page"},
			"run_id":  map[string]any{"type": "string", "description": "Return this run and its violations"},
			"limit":   map[string]any{"type": "integer", "description": "Max runs (default 50, max 500)"},
		}, nil),
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r historyRequest
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}
	kit.RegisterMCPTool(srv, tool, a.endpoint("history", a.history), decode)
}
