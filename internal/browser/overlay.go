package browser

import (
	"context"
	"fmt"
	"math"

	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"github.com/hazyhaar/axewatch/internal/dom"
)

const drawOverlayJS = `(id, r) => {
	const el = document.createElement('div');
	el.id = id;
	el.setAttribute('data-axewatch-overlay', '');
	el.setAttribute('aria-hidden', 'true');
	Object.assign(el.style, {
		position: 'fixed',
		left: r.x + 'px',
		top: r.y + 'px',
		width: r.width + 'px',
		height: r.height + 'px',
		border: '3px solid #e11d48',
		background: 'rgba(225, 29, 72, 0.12)',
		boxSizing: 'border-box',
		pointerEvents: 'none',
		zIndex: '2147483647',
	});
	document.documentElement.appendChild(el);
}`

const removeOverlayJS = `id => {
	const el = document.getElementById(id);
	if (el) el.remove();
}`

// BoundingBox scrolls el into view and returns its border box in viewport
// coordinates.
func (t *Tab) BoundingBox(ctx context.Context, el *dom.Element) (dom.Rect, error) {
	if el == nil || el.BackendID == 0 {
		return dom.Rect{}, fmt.Errorf("browser: element has no backend node")
	}
	page := t.Page().Context(ctx)
	id := proto.DOMBackendNodeID(el.BackendID)

	if err := (proto.DOMScrollIntoViewIfNeeded{BackendNodeID: id}).Call(page); err != nil {
		t.logger.Debug("browser: scroll into view", "error", err)
	}
	res, err := proto.DOMGetBoxModel{BackendNodeID: id}.Call(page)
	if err != nil {
		return dom.Rect{}, fmt.Errorf("browser: box model: %w", err)
	}
	return quadRect(res.Model.Border), nil
}

// DrawOverlay mounts the highlight frame over r.
func (t *Tab) DrawOverlay(ctx context.Context, r dom.Rect) (func() error, error) {
	id := "axewatch-overlay-" + uuid.NewString()
	page := t.Page()
	if _, err := page.Context(ctx).Eval(drawOverlayJS, id, r); err != nil {
		return nil, fmt.Errorf("browser: draw overlay: %w", err)
	}
	return func() error {
		_, err := page.Eval(removeOverlayJS, id)
		return err
	}, nil
}

// quadRect bounds a CDP quad (x1,y1 .. x4,y4).
func quadRect(q proto.DOMQuad) dom.Rect {
	if len(q) < 8 {
		return dom.Rect{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := 0; i+1 < len(q); i += 2 {
		minX, maxX = math.Min(minX, q[i]), math.Max(maxX, q[i])
		minY, maxY = math.Min(minY, q[i+1]), math.Max(maxY, q[i+1])
	}
	return dom.Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
