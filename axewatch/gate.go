package axewatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"

	"github.com/hazyhaar/axewatch/internal/dom"
)

// contentSelector lists the descendants that make a region worth auditing.
var contentSelector = cascadia.MustCompile(strings.Join([]string{
	"a[href]", "button", "input", "select", "textarea", "label", "form",
	"img", "video", "audio", "iframe", "table",
	"h1", "h2", "h3", "h4", "h5", "h6",
	"main", "nav", "header", "footer", "section", "article", "aside",
	"[role]", "[tabindex]", "[aria-label]", "[aria-labelledby]", "[contenteditable]",
}, ", "))

// minReadyText is the trimmed text length a region must exceed to count as
// ready without any semantic descendant.
const minReadyText = 10

// Gate holds the first scan back until the target has content.
type Gate struct {
	// Interval between polls. Default: 100ms.
	Interval time.Duration
	// Disabled makes Await return true immediately.
	Disabled bool
	Logger   *slog.Logger
}

// Ready reports whether doc has meaningful content: a semantic or
// interactive descendant, more than a few characters of text, or a
// non-empty shadow root below it.
func Ready(doc *dom.Document) bool {
	if doc == nil || doc.Root == nil {
		return false
	}
	if cascadia.Query(doc.Root, contentSelector) != nil {
		return true
	}
	if len(strings.TrimSpace(dom.TextContent(doc.Root))) > minReadyText {
		return true
	}
	return doc.HasShadowContent(doc.Root)
}

// Await polls t until it is ready or maxWait elapses. A timeout is logged
// and returns false; the caller scans anyway.
func (g Gate) Await(ctx context.Context, t Target, maxWait time.Duration) bool {
	if g.Disabled {
		return true
	}
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := g.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		doc, err := t.Snapshot(ctx)
		if err == nil && Ready(doc) {
			return true
		}
		if err != nil {
			logger.Debug("axewatch: readiness snapshot failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			logger.Warn("axewatch: content not ready, scanning anyway",
				"target", t.ID(), "waited", maxWait)
			return false
		case <-ticker.C:
		}
	}
}
