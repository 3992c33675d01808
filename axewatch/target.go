package axewatch

import (
	"context"

	"github.com/hazyhaar/axewatch/internal/dom"
	"github.com/hazyhaar/axewatch/violation"
)

// Target is a live region of a rendered document. A new ID means a new
// underlying node: sessions compare IDs to detect target swaps.
type Target interface {
	ID() string
	// Snapshot returns the current subtree of the region, shadow roots
	// included.
	Snapshot(ctx context.Context) (*dom.Document, error)
	// Observe reports changes on the region until stop is called.
	Observe(ctx context.Context, spec dom.WatchSpec, fn func(dom.Change)) (stop func(), err error)
}

// Scanner runs the accessibility engine against a target. options are
// passed through to the engine unmodified.
type Scanner interface {
	Run(ctx context.Context, target Target, options map[string]any) (*violation.Results, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context, target Target, options map[string]any) (*violation.Results, error)

func (f ScannerFunc) Run(ctx context.Context, target Target, options map[string]any) (*violation.Results, error) {
	return f(ctx, target, options)
}

// Renderer draws the highlight overlay on the surface displaying elements.
type Renderer interface {
	BoundingBox(ctx context.Context, el *dom.Element) (dom.Rect, error)
	// DrawOverlay mounts a frame over r and returns the function removing it.
	DrawOverlay(ctx context.Context, r dom.Rect) (remove func() error, err error)
}

// ReportSink receives the report of every completed scan.
type ReportSink interface {
	Send(ctx context.Context, report violation.Report) error
}
