package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/axewatch/internal/dom"
)

// ErrDetached means a region's node is no longer in the document.
var ErrDetached = errors.New("browser: region detached")

// ErrNoMatch means a selector matched nothing.
var ErrNoMatch = errors.New("browser: selector matched no element")

// Tab is one audited page. As a target it stands for the whole document
// and its ID is the page id.
type Tab struct {
	PageID  string
	PageURL string

	mgr    *Manager
	logger *slog.Logger

	mu      sync.Mutex
	page    *rod.Page
	router  *rod.HijackRouter
	cancel  context.CancelFunc
	watches map[string]*watch
	nextID  int
	closed  bool
}

// OpenTab opens pageURL in a new tab and prepares it for auditing.
func OpenTab(ctx context.Context, mgr *Manager, pageURL, pageID string) (*Tab, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	t := &Tab{
		PageID:  pageID,
		PageURL: pageURL,
		mgr:     mgr,
		logger:  mgr.cfg.Logger.With("page", pageID),
		watches: make(map[string]*watch),
	}
	if err := t.open(ctx, b); err != nil {
		return nil, err
	}
	mgr.track(t)
	return t, nil
}

func (t *Tab) open(ctx context.Context, b *rod.Browser) error {
	var page *rod.Page
	var err error
	if *t.mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return fmt.Errorf("browser: create tab: %w", err)
	}

	var router *rod.HijackRouter
	if len(t.mgr.cfg.ResourceBlocking) > 0 {
		router = blockResources(page, t.mgr.cfg.ResourceBlocking)
	}

	navCtx, cancelNav := context.WithTimeout(ctx, 30*time.Second)
	defer cancelNav()
	if err := page.Context(navCtx).Navigate(t.PageURL); err != nil {
		if router != nil {
			_ = router.Stop()
		}
		_ = page.Close()
		return fmt.Errorf("browser: navigate %s: %w", t.PageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		t.logger.Warn("browser: wait load timeout", "url", t.PageURL, "error", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.page = page
	t.router = router
	t.cancel = cancel
	t.mu.Unlock()

	if err := t.installObserver(listenCtx, page); err != nil {
		t.logger.Warn("browser: observer install failed", "error", err)
	}
	t.logger.Info("browser: tab ready", "url", t.PageURL)
	return nil
}

// reopen moves the tab to a freshly launched browser and reinstalls its
// watchers. Regions are re-resolved by selector.
func (t *Tab) reopen(ctx context.Context, b *rod.Browser) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if err := t.open(ctx, b); err != nil {
		return err
	}

	t.mu.Lock()
	watches := make([]*watch, 0, len(t.watches))
	for _, w := range t.watches {
		watches = append(watches, w)
	}
	t.mu.Unlock()

	for _, w := range watches {
		if w.region != nil {
			if err := w.region.refresh(ctx); err != nil {
				t.logger.Warn("browser: region lost after recycle", "region", w.region.selector, "error", err)
				continue
			}
		}
		if err := t.install(ctx, w); err != nil {
			t.logger.Warn("browser: reinstall watcher", "watch", w.id, "error", err)
		}
	}
	return nil
}

// Page returns the current rod page.
func (t *Tab) Page() *rod.Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page
}

// ID implements the scan target identity.
func (t *Tab) ID() string { return t.PageID }

// Snapshot returns the whole document, shadow roots included.
func (t *Tab) Snapshot(ctx context.Context) (*dom.Document, error) {
	return snapshot(ctx, t.Page())
}

// Observe reports changes anywhere in the document.
func (t *Tab) Observe(ctx context.Context, spec dom.WatchSpec, fn func(dom.Change)) (func(), error) {
	return t.watch(ctx, nil, spec, fn)
}

// Evaluate runs the function js by promise with this bound to the window
// and returns its string result.
func (t *Tab) Evaluate(ctx context.Context, js string, args ...any) (string, error) {
	res, err := t.Page().Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// Inject evaluates a plain script in the page's main world.
func (t *Tab) Inject(ctx context.Context, src string) error {
	return inject(ctx, t.Page(), src)
}

// Reload navigates the tab to its URL again. Watchers are reinstalled on
// the new document.
func (t *Tab) Reload(ctx context.Context) error {
	page := t.Page()
	if err := page.Context(ctx).Reload(); err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		t.logger.Warn("browser: wait load timeout", "error", err)
	}
	if _, err := page.Context(ctx).Eval(observeJS); err != nil {
		return fmt.Errorf("browser: reinject observer: %w", err)
	}

	t.mu.Lock()
	watches := make([]*watch, 0, len(t.watches))
	for _, w := range t.watches {
		watches = append(watches, w)
	}
	t.mu.Unlock()
	for _, w := range watches {
		if w.region != nil {
			if err := w.region.refresh(ctx); err != nil {
				continue
			}
		}
		if err := t.install(ctx, w); err != nil {
			t.logger.Warn("browser: reinstall watcher", "watch", w.id, "error", err)
		}
	}
	return nil
}

// Close closes the page and forgets the tab.
func (t *Tab) Close() error {
	t.mgr.untrack(t)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.router != nil {
		_ = t.router.Stop()
	}
	t.watches = make(map[string]*watch)
	if t.page != nil {
		return t.page.Close()
	}
	return nil
}

// Region pins the first element matching selector. The region keeps
// following that node; a re-render that replaces it detaches the region.
func (t *Tab) Region(ctx context.Context, selector string) (*Region, error) {
	r := &Region{tab: t, selector: selector}
	if err := r.refresh(ctx); err != nil {
		return nil, err
	}
	r.id = fmt.Sprintf("%s/%s#%d", t.PageID, selector, r.backendID())
	return r, nil
}

// Region is a subtree of a tab, identified by the backend id of its root.
type Region struct {
	tab      *Tab
	selector string
	id       string

	mu      sync.Mutex
	backend proto.DOMBackendNodeID
}

func (r *Region) ID() string { return r.id }

// Selector returns the selector the region was pinned with.
func (r *Region) Selector() string { return r.selector }

func (r *Region) backendID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.backend)
}

func (r *Region) refresh(ctx context.Context) error {
	els, err := r.tab.Page().Context(ctx).Elements(r.selector)
	if err != nil {
		return fmt.Errorf("browser: query %q: %w", r.selector, err)
	}
	if len(els) == 0 {
		return fmt.Errorf("%w: %s", ErrNoMatch, r.selector)
	}
	node, err := els[0].Describe(0, false)
	if err != nil {
		return fmt.Errorf("browser: describe %q: %w", r.selector, err)
	}
	r.mu.Lock()
	r.backend = node.BackendNodeID
	r.mu.Unlock()
	return nil
}

// element resolves the region root in the live page.
func (r *Region) element(ctx context.Context) (*rod.Element, error) {
	page := r.tab.Page().Context(ctx)
	res, err := proto.DOMResolveNode{BackendNodeID: proto.DOMBackendNodeID(r.backendID())}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetached, err)
	}
	return page.ElementFromObject(res.Object)
}

// Snapshot returns the region subtree, shadow roots included.
func (r *Region) Snapshot(ctx context.Context) (*dom.Document, error) {
	doc, err := snapshot(ctx, r.tab.Page())
	if err != nil {
		return nil, err
	}
	n := doc.NodeByBackendID(r.backendID())
	if n == nil {
		return nil, ErrDetached
	}
	return doc.Subtree(n), nil
}

// Observe reports changes below the region root.
func (r *Region) Observe(ctx context.Context, spec dom.WatchSpec, fn func(dom.Change)) (func(), error) {
	return r.tab.watch(ctx, r, spec, fn)
}

// Evaluate runs the function js by promise with this bound to the region
// root element.
func (r *Region) Evaluate(ctx context.Context, js string, args ...any) (string, error) {
	el, err := r.element(ctx)
	if err != nil {
		return "", err
	}
	res, err := el.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// Inject evaluates a plain script in the tab's main world.
func (r *Region) Inject(ctx context.Context, src string) error {
	return inject(ctx, r.tab.Page(), src)
}

// Tab returns the tab holding the region.
func (r *Region) Tab() *Tab { return r.tab }

func snapshot(ctx context.Context, page *rod.Page) (*dom.Document, error) {
	if page == nil {
		return nil, fmt.Errorf("browser: tab closed")
	}
	depth := -1
	res, err := proto.DOMGetDocument{Depth: &depth, Pierce: true}.Call(page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("browser: DOM.getDocument: %w", err)
	}
	return dom.FromCDP(res.Root), nil
}

func inject(ctx context.Context, page *rod.Page, src string) error {
	if page == nil {
		return fmt.Errorf("browser: tab closed")
	}
	res, err := proto.RuntimeEvaluate{Expression: src}.Call(page.Context(ctx))
	if err != nil {
		return fmt.Errorf("browser: inject: %w", err)
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("browser: inject: %s", res.ExceptionDetails.Text)
	}
	return nil
}
