package axewatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/axewatch/internal/browser"
	"github.com/hazyhaar/axewatch/internal/kit"
)

// RegisterHTTP mounts the API routes on r.
//
//	GET    /health
//	GET    /ws                              live reports (?page=<id>)
//	GET    /api/v1/pages
//	GET    /api/v1/pages/{id}/violations
//	POST   /api/v1/pages/{id}/scan
//	PUT    /api/v1/pages/{id}/target        {"selector": "..."}
//	POST   /api/v1/pages/{id}/highlight     {"index": 0}
//	DELETE /api/v1/pages/{id}/highlight
//	GET    /api/v1/runs                     ?page=<id>&limit=<n>
//	GET    /api/v1/runs/{id}/violations
//	GET    /api/v1/rules                    ?page=<id>
func (a *API) RegisterHTTP(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pages": len(a.Watcher.Pages())})
	})
	if a.Hub != nil {
		r.Handle("/ws", a.Hub)
	}

	pages := a.endpoint("pages", a.listPages)
	violations := a.endpoint("violations", a.pageViolations)
	scan := a.endpoint("scan", a.scanPage)
	retarget := a.endpoint("retarget", a.retarget)
	highlight := a.endpoint("highlight", a.highlight)
	unhighlight := a.endpoint("remove_highlight", a.removeHighlight)
	history := a.endpoint("history", a.history)
	rules := a.endpoint("rules", a.rules)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/pages", a.serve(pages, func(*http.Request) (any, error) { return nil, nil }))
		r.Get("/pages/{id}/violations", a.serve(violations, pageFromPath))
		r.Post("/pages/{id}/scan", a.serve(scan, pageFromPath))
		r.Put("/pages/{id}/target", a.serve(retarget, func(r *http.Request) (any, error) {
			var req targetRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, err
			}
			req.PageID = chi.URLParam(r, "id")
			return &req, nil
		}))
		r.Post("/pages/{id}/highlight", a.serve(highlight, func(r *http.Request) (any, error) {
			var req highlightRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				return nil, err
			}
			req.PageID = chi.URLParam(r, "id")
			return &req, nil
		}))
		r.Delete("/pages/{id}/highlight", a.serve(unhighlight, pageFromPath))

		r.Get("/runs", a.serve(history, func(r *http.Request) (any, error) {
			req := &historyRequest{PageID: r.URL.Query().Get("page")}
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, err
				}
				req.Limit = n
			}
			return req, nil
		}))
		r.Get("/runs/{id}/violations", a.serve(history, func(r *http.Request) (any, error) {
			return &historyRequest{RunID: chi.URLParam(r, "id")}, nil
		}))
		r.Get("/rules", a.serve(rules, func(r *http.Request) (any, error) {
			return &pageRequest{PageID: r.URL.Query().Get("page")}, nil
		}))
	})
}

func pageFromPath(r *http.Request) (any, error) {
	return &pageRequest{PageID: chi.URLParam(r, "id")}, nil
}

// serve adapts an endpoint to HTTP: decode the request, call, write JSON.
func (a *API) serve(ep kit.Endpoint, decode func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decode(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ctx := kit.WithTransport(r.Context(), kit.TransportHTTP)
		if id := middleware.GetReqID(r.Context()); id != "" {
			ctx = kit.WithRequestID(ctx, id)
		}
		resp, err := ep(ctx, req)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrPageNotFound), errors.Is(err, ErrNoViolation), errors.Is(err, errRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDisabled), errors.Is(err, ErrHighlightDisabled):
		return http.StatusConflict
	case errors.Is(err, ErrNotResolved), errors.Is(err, browser.ErrNoMatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNoHistory):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
