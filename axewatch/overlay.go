package axewatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/axewatch/internal/dom"
)

// Overlay is the highlight frame. Showing a new one removes the previous
// one first, so at most one is mounted.
type Overlay struct {
	logger *slog.Logger

	mu     sync.Mutex
	remove func() error
	rect   dom.Rect
	active bool
}

// Show frames el's current viewport box using r.
func (o *Overlay) Show(ctx context.Context, r Renderer, el *dom.Element) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.hideLocked()
	if el == nil {
		return fmt.Errorf("axewatch: highlight: no element")
	}

	rect, err := r.BoundingBox(ctx, el)
	if err != nil {
		return fmt.Errorf("axewatch: highlight: bounding box: %w", err)
	}
	remove, err := r.DrawOverlay(ctx, rect)
	if err != nil {
		return fmt.Errorf("axewatch: highlight: draw: %w", err)
	}
	o.remove = remove
	o.rect = rect
	o.active = true
	return nil
}

// Hide removes the overlay if one is mounted.
func (o *Overlay) Hide() {
	o.mu.Lock()
	o.hideLocked()
	o.mu.Unlock()
}

// Current returns the mounted overlay box.
func (o *Overlay) Current() (dom.Rect, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rect, o.active
}

func (o *Overlay) hideLocked() {
	if !o.active {
		return
	}
	if o.remove != nil {
		if err := o.remove(); err != nil {
			o.logger.Debug("axewatch: remove overlay", "error", err)
		}
	}
	o.remove = nil
	o.rect = dom.Rect{}
	o.active = false
}
