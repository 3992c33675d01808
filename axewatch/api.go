package axewatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/axewatch/internal/kit"
	"github.com/hazyhaar/axewatch/internal/store"
	"github.com/hazyhaar/axewatch/violation"
)

// ErrNoHistory means the API was built without an audit store.
var ErrNoHistory = errors.New("axewatch: audit history disabled")

// API exposes a Watcher and its audit history over HTTP and MCP. Both
// surfaces call the same endpoints.
type API struct {
	Watcher *Watcher
	// Store is optional; history routes and tools fail with ErrNoHistory
	// without it.
	Store *store.Store
	// Hub serves /ws when set.
	Hub    http.Handler
	Logger *slog.Logger
}

func (a *API) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// endpoint wraps fn with the shared middleware chain.
func (a *API) endpoint(op string, fn kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(a.logger(), op))(fn)
}

type pageRequest struct {
	PageID string `json:"page_id"`
}

type targetRequest struct {
	PageID   string `json:"page_id"`
	Selector string `json:"selector"`
}

type highlightRequest struct {
	PageID string `json:"page_id"`
	Index  int    `json:"index"`
}

type historyRequest struct {
	PageID string `json:"page_id,omitempty"`
	RunID  string `json:"run_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type violationsResponse struct {
	PageID     string             `json:"page_id"`
	Violations []violation.Record `json:"violations"`
}

type runResponse struct {
	Run        *store.Run         `json:"run"`
	Violations []*store.Violation `json:"violations"`
}

func (a *API) listPages(_ context.Context, _ any) (any, error) {
	return map[string]any{"pages": a.Watcher.Pages()}, nil
}

func (a *API) pageViolations(_ context.Context, req any) (any, error) {
	r := req.(*pageRequest)
	vs, err := a.Watcher.Violations(r.PageID)
	if err != nil {
		return nil, err
	}
	return violationsResponse{PageID: r.PageID, Violations: nonNil(vs)}, nil
}

func (a *API) scanPage(ctx context.Context, req any) (any, error) {
	r := req.(*pageRequest)
	vs, err := a.Watcher.ScanPage(ctx, r.PageID)
	if err != nil {
		return nil, err
	}
	return violationsResponse{PageID: r.PageID, Violations: nonNil(vs)}, nil
}

func (a *API) retarget(ctx context.Context, req any) (any, error) {
	r := req.(*targetRequest)
	target, err := a.Watcher.Retarget(ctx, r.PageID, r.Selector)
	if err != nil {
		return nil, err
	}
	return map[string]string{"page_id": r.PageID, "target": target}, nil
}

func (a *API) highlight(_ context.Context, req any) (any, error) {
	r := req.(*highlightRequest)
	if err := a.Watcher.Highlight(r.PageID, r.Index); err != nil {
		return nil, err
	}
	return map[string]string{"status": "highlighted"}, nil
}

func (a *API) removeHighlight(_ context.Context, req any) (any, error) {
	r := req.(*pageRequest)
	if err := a.Watcher.RemoveHighlight(r.PageID); err != nil {
		return nil, err
	}
	return map[string]string{"status": "removed"}, nil
}

// history lists runs, or returns one run with its violations when RunID is
// set.
func (a *API) history(ctx context.Context, req any) (any, error) {
	if a.Store == nil {
		return nil, ErrNoHistory
	}
	r := req.(*historyRequest)
	if r.RunID != "" {
		run, err := a.Store.GetRun(ctx, r.RunID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, errRunNotFound
		}
		vs, err := a.Store.RunViolations(ctx, r.RunID)
		if err != nil {
			return nil, err
		}
		return runResponse{Run: run, Violations: vs}, nil
	}
	runs, err := a.Store.ListRuns(ctx, store.RunFilter{PageID: r.PageID, Limit: r.Limit})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	return map[string]any{"runs": runs}, nil
}

func (a *API) rules(ctx context.Context, req any) (any, error) {
	if a.Store == nil {
		return nil, ErrNoHistory
	}
	r := req.(*pageRequest)
	stats, err := a.Store.RuleStats(ctx, r.PageID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []*store.RuleStat{}
	}
	return map[string]any{"rules": stats}, nil
}

var errRunNotFound = errors.New("axewatch: run not found")

func nonNil(vs []violation.Record) []violation.Record {
	if vs == nil {
		return []violation.Record{}
	}
	return vs
}
