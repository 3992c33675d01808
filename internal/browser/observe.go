package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/axewatch/internal/dom"
)

//go:embed observe.js
var observeJS string

const bindingName = "__axewatch_change"

type watch struct {
	id     string
	region *Region // nil watches the whole document
	spec   dom.WatchSpec
	fn     func(dom.Change)
}

// bindingPayload is what observe.js sends through the binding.
type bindingPayload struct {
	Watch   string       `json:"watch"`
	Changes []dom.Change `json:"changes"`
}

// installObserver registers the binding, starts dispatching its calls and
// injects observe.js.
func (t *Tab) installObserver(ctx context.Context, page *rod.Page) error {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		t.logger.Warn("browser: addBinding failed (may already exist)", "error", err)
	}

	go page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		var p bindingPayload
		if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
			t.logger.Warn("browser: parse binding payload", "error", err)
			return
		}
		t.mu.Lock()
		w := t.watches[p.Watch]
		t.mu.Unlock()
		if w == nil {
			return
		}
		for _, ch := range p.Changes {
			w.fn(ch)
		}
	})()

	if _, err := page.Eval(observeJS); err != nil {
		return fmt.Errorf("inject observe.js: %w", err)
	}
	return nil
}

// watch registers fn for changes under region, or the whole document when
// region is nil.
func (t *Tab) watch(ctx context.Context, region *Region, spec dom.WatchSpec, fn func(dom.Change)) (func(), error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("browser: tab closed")
	}
	t.nextID++
	w := &watch{id: "w" + strconv.Itoa(t.nextID), region: region, spec: spec, fn: fn}
	t.watches[w.id] = w
	t.mu.Unlock()

	if err := t.install(ctx, w); err != nil {
		t.mu.Lock()
		delete(t.watches, w.id)
		t.mu.Unlock()
		return nil, err
	}

	stop := func() {
		t.mu.Lock()
		_, live := t.watches[w.id]
		delete(t.watches, w.id)
		page := t.page
		t.mu.Unlock()
		if !live || page == nil {
			return
		}
		if _, err := page.Eval(`id => window.__axewatch && window.__axewatch.unwatch(id)`, w.id); err != nil {
			t.logger.Debug("browser: unwatch", "watch", w.id, "error", err)
		}
	}
	return stop, nil
}

func (t *Tab) install(ctx context.Context, w *watch) error {
	var res *proto.RuntimeRemoteObject
	var err error
	if w.region == nil {
		res, err = t.Page().Context(ctx).Eval(
			`(id, spec) => window.__axewatch.watch(id, document.documentElement, spec)`, w.id, w.spec)
	} else {
		var el *rod.Element
		el, err = w.region.element(ctx)
		if err != nil {
			return err
		}
		res, err = el.Context(ctx).Eval(
			`function (id, spec) { return window.__axewatch.watch(id, this, spec) }`, w.id, w.spec)
	}
	if err != nil {
		return fmt.Errorf("browser: install watcher: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("browser: install watcher %s: rejected", w.id)
	}
	return nil
}
