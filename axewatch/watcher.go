package axewatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/axewatch/internal/axe"
	"github.com/hazyhaar/axewatch/internal/browser"
	"github.com/hazyhaar/axewatch/internal/kit"
	"github.com/hazyhaar/axewatch/violation"
)

var (
	// ErrPageNotFound means no watched page has the requested id.
	ErrPageNotFound = errors.New("axewatch: page not found")
	// ErrDisabled means the page session does not scan.
	ErrDisabled = errors.New("axewatch: auditing disabled")
	// ErrNoViolation means a highlight index is out of range.
	ErrNoViolation = errors.New("axewatch: no such violation")
	// ErrNotResolved means none of the violation nodes resolved to an element.
	ErrNotResolved = errors.New("axewatch: violation has no resolved element")
)

// Page is one document the Watcher audits.
type Page struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
}

// PageHandle is an opened page: the document as a target, the surface
// drawing overlays, and the way to pin a region of it.
type PageHandle interface {
	Target
	Renderer
	Region(ctx context.Context, selector string) (Target, error)
	Close() error
}

// Opener opens a page for auditing.
type Opener func(ctx context.Context, p Page) (PageHandle, error)

// BrowserOpener opens pages as tabs of mgr.
func BrowserOpener(mgr *browser.Manager) Opener {
	return func(ctx context.Context, p Page) (PageHandle, error) {
		tab, err := browser.OpenTab(ctx, mgr, p.URL, p.ID)
		if err != nil {
			return nil, err
		}
		return tabHandle{tab}, nil
	}
}

type tabHandle struct{ *browser.Tab }

func (h tabHandle) Region(ctx context.Context, selector string) (Target, error) {
	r, err := h.Tab.Region(ctx, selector)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AxeScanner runs r against targets that can host axe: browser tabs and
// regions. A busy engine surfaces as ErrScannerBusy.
func AxeScanner(r *axe.Runner) Scanner {
	return ScannerFunc(func(ctx context.Context, target Target, options map[string]any) (*violation.Results, error) {
		c, ok := target.(axe.Context)
		if !ok {
			return nil, fmt.Errorf("axe: target %s cannot run scripts", target.ID())
		}
		res, err := r.Run(ctx, c, options)
		if axe.IsBusy(err) {
			return nil, ErrScannerBusy
		}
		return res, err
	})
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Open    Opener
	Scanner Scanner
	Pages   []Page
	// Options is the template of every page session. Element, Root,
	// Renderer, PageID and PageURL are set per page.
	Options Options
	Sink    ReportSink
	Logger  *slog.Logger
}

// PageStatus describes a watched page.
type PageStatus struct {
	Page
	Target      string `json:"target"`
	Enabled     bool   `json:"enabled"`
	Running     bool   `json:"running"`
	InitialDone bool   `json:"initial_done"`
	Violations  int    `json:"violations"`
	Error       string `json:"error,omitempty"`
}

type watchedPage struct {
	page    Page
	handle  PageHandle
	lc      *ManualLifecycle
	session *Session
	err     error
}

// Watcher audits a set of pages, one Session per page on a shared
// Coordinator.
type Watcher struct {
	cfg    WatcherConfig
	coord  *Coordinator
	logger *slog.Logger

	mu     sync.RWMutex
	pages  map[string]*watchedPage
	order  []string
	cancel context.CancelFunc
}

// NewWatcher creates a Watcher. Nothing is opened until Start.
func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		cfg:    cfg,
		coord:  NewCoordinator(cfg.Logger),
		logger: cfg.Logger,
		pages:  make(map[string]*watchedPage),
	}
}

// Coordinator returns the coordinator shared by the page sessions.
func (w *Watcher) Coordinator() *Coordinator { return w.coord }

// Start opens every configured page. A page that fails to open is kept
// with its error so it shows up in Pages; Start fails only when no page
// could be opened.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	opened := 0
	for _, p := range w.cfg.Pages {
		if err := w.Add(ctx, p); err != nil {
			w.logger.Error("axewatch: open page", "page", p.ID, "url", p.URL, "error", err)
			continue
		}
		opened++
	}
	if opened == 0 && len(w.cfg.Pages) > 0 {
		return fmt.Errorf("axewatch: no page could be opened")
	}
	w.logger.Info("axewatch: watcher started", "pages", opened)
	return nil
}

// Add opens p and starts auditing it.
func (w *Watcher) Add(ctx context.Context, p Page) error {
	w.mu.Lock()
	if _, ok := w.pages[p.ID]; ok {
		w.mu.Unlock()
		return fmt.Errorf("axewatch: page %q already watched", p.ID)
	}
	wp := &watchedPage{page: p}
	w.pages[p.ID] = wp
	w.order = append(w.order, p.ID)
	w.mu.Unlock()

	handle, err := w.cfg.Open(ctx, p)
	if err != nil {
		w.setError(wp, err)
		return fmt.Errorf("axewatch: open %s: %w", p.URL, err)
	}

	var element Target
	if p.Selector != "" {
		element, err = handle.Region(ctx, p.Selector)
		if err != nil {
			// The root stays audited; the selector can be fixed with Retarget.
			w.logger.Warn("axewatch: region not found, auditing document", "page", p.ID, "selector", p.Selector, "error", err)
			w.setError(wp, err)
			element = nil
		}
	}

	opts := w.cfg.Options
	opts.Root = handle
	opts.Element = element
	opts.Renderer = handle
	opts.Sink = w.cfg.Sink
	opts.PageID = p.ID
	opts.PageURL = p.URL
	if opts.LoggerPrefix == "" {
		opts.LoggerPrefix = p.ID
	}
	if opts.Logger == nil {
		opts.Logger = w.logger
	}

	lc := NewManualLifecycle(element)
	session := Use(ctx, lc, w.coord, w.cfg.Scanner, opts)

	w.mu.Lock()
	wp.handle = handle
	wp.lc = lc
	wp.session = session
	w.mu.Unlock()

	lc.Attach()
	return nil
}

func (w *Watcher) setError(wp *watchedPage, err error) {
	w.mu.Lock()
	wp.err = err
	w.mu.Unlock()
}

func (w *Watcher) lookup(id string) (*watchedPage, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	wp, ok := w.pages[id]
	if !ok || wp.session == nil {
		return nil, fmt.Errorf("%w: %s", ErrPageNotFound, id)
	}
	return wp, nil
}

// Pages returns the status of every page in configuration order.
func (w *Watcher) Pages() []PageStatus {
	w.mu.RLock()
	pages := make([]*watchedPage, 0, len(w.order))
	for _, id := range w.order {
		pages = append(pages, w.pages[id])
	}
	w.mu.RUnlock()

	out := make([]PageStatus, 0, len(pages))
	for _, wp := range pages {
		w.mu.RLock()
		st := PageStatus{Page: wp.page}
		if wp.err != nil {
			st.Error = wp.err.Error()
		}
		s := wp.session
		w.mu.RUnlock()

		if s != nil {
			if t := s.Target(); t != nil {
				st.Target = t.ID()
			}
			st.Enabled = s.Enabled()
			st.Running = s.IsRunning()
			st.InitialDone = s.CompletedInitialScan()
			st.Violations = len(s.Violations())
			if err := s.InitialScanError(); err != nil && st.Error == "" {
				st.Error = err.Error()
			}
		}
		out = append(out, st)
	}
	return out
}

// Violations returns the last known violations of a page.
func (w *Watcher) Violations(id string) ([]violation.Record, error) {
	wp, err := w.lookup(id)
	if err != nil {
		return nil, err
	}
	return wp.session.Violations(), nil
}

// ScanPage queues a scan of a page and waits until the queue drains or ctx
// ends. It returns the violations known afterwards.
func (w *Watcher) ScanPage(ctx context.Context, id string) ([]violation.Record, error) {
	wp, err := w.lookup(id)
	if err != nil {
		return nil, err
	}
	if !wp.session.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, id)
	}
	w.logger.Info("axewatch: scan requested", "page", id, "via", kit.GetTransport(ctx))
	wp.session.RunAxe(false)
	if err := w.coord.Wait(ctx); err != nil {
		return nil, err
	}
	return wp.session.Violations(), nil
}

// Retarget pins the audited region of a page to the first element
// matching selector. An empty selector audits the whole document again.
func (w *Watcher) Retarget(ctx context.Context, id, selector string) (string, error) {
	wp, err := w.lookup(id)
	if err != nil {
		return "", err
	}

	var t Target
	if selector != "" {
		t, err = wp.handle.Region(ctx, selector)
		if err != nil {
			return "", fmt.Errorf("axewatch: retarget %s: %w", id, err)
		}
	}
	wp.lc.SetTarget(t)

	w.mu.Lock()
	wp.page.Selector = selector
	wp.err = nil
	w.mu.Unlock()

	if t == nil {
		return wp.handle.ID(), nil
	}
	return t.ID(), nil
}

// Highlight frames the violation at index in the page's current list. It
// fails with ErrHighlightDisabled when the page draws no overlay and with
// the renderer error when drawing failed.
func (w *Watcher) Highlight(id string, index int) error {
	wp, err := w.lookup(id)
	if err != nil {
		return err
	}
	vs := wp.session.Violations()
	if index < 0 || index >= len(vs) {
		return fmt.Errorf("%w: %d of %d", ErrNoViolation, index, len(vs))
	}
	if err := wp.session.highlightRecord(vs[index]); err != nil {
		return fmt.Errorf("axewatch: highlight %s: %w: %s", id, err, vs[index].RuleID)
	}
	return nil
}

// RemoveHighlight hides the overlay of a page.
func (w *Watcher) RemoveHighlight(id string) error {
	wp, err := w.lookup(id)
	if err != nil {
		return err
	}
	wp.session.RemoveHighlight()
	return nil
}

// AwaitInitial blocks until every opened, enabled page finished its first
// scan or ctx ends. A first scan that failed for good counts as finished;
// its error shows in Pages.
func (w *Watcher) AwaitInitial(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w.initialDone() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) initialDone() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, wp := range w.pages {
		if wp.session == nil || !wp.session.Enabled() {
			continue
		}
		if !wp.session.CompletedInitialScan() && wp.session.InitialScanError() == nil {
			return false
		}
	}
	return true
}

// Stop cleans up every session and closes the pages.
func (w *Watcher) Stop() {
	w.mu.Lock()
	pages := make([]*watchedPage, 0, len(w.pages))
	for _, id := range w.order {
		pages = append(pages, w.pages[id])
	}
	w.pages = make(map[string]*watchedPage)
	w.order = nil
	cancel := w.cancel
	w.mu.Unlock()

	for _, wp := range pages {
		if wp.lc != nil {
			wp.lc.Detach()
		}
		if wp.handle != nil {
			if err := wp.handle.Close(); err != nil {
				w.logger.Debug("axewatch: close page", "page", wp.page.ID, "error", err)
			}
		}
	}
	if cancel != nil {
		cancel()
	}
	w.logger.Info("axewatch: watcher stopped", "pages", len(pages))
}
