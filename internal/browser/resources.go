package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources refuses the configured resource classes on page. The
// returned router must be stopped when the tab closes.
func blockResources(page *rod.Page, classes []string) *rod.HijackRouter {
	blocked := make(map[string]bool, len(classes))
	for _, c := range classes {
		blocked[strings.ToLower(strings.TrimSpace(c))] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if isBlocked(blocked, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// isBlocked maps CDP resource types to config class names. Scripts and
// documents are never blocked: the audit needs the rendered page.
func isBlocked(blocked map[string]bool, resType string) bool {
	switch strings.ToLower(resType) {
	case "image":
		return blocked["images"]
	case "font":
		return blocked["fonts"]
	case "media":
		return blocked["media"]
	case "stylesheet":
		return blocked["stylesheets"]
	}
	return false
}
