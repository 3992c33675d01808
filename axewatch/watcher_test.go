package axewatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/axewatch/internal/browser"
	"github.com/hazyhaar/axewatch/internal/dom"
	"github.com/hazyhaar/axewatch/violation"
)

// fakeHandle is an opened page over a fakeTarget. Every element has the
// same box.
type fakeHandle struct {
	*fakeTarget
	regions map[string]*fakeTarget

	drawErr error

	mu     sync.Mutex
	drawn  int
	closed int
}

func (h *fakeHandle) BoundingBox(context.Context, *dom.Element) (dom.Rect, error) {
	return dom.Rect{X: 1, Y: 2, Width: 30, Height: 10}, nil
}

func (h *fakeHandle) DrawOverlay(context.Context, dom.Rect) (func() error, error) {
	if h.drawErr != nil {
		return nil, h.drawErr
	}
	h.mu.Lock()
	h.drawn++
	h.mu.Unlock()
	return func() error { return nil }, nil
}

func (h *fakeHandle) Region(_ context.Context, selector string) (Target, error) {
	r, ok := h.regions[selector]
	if !ok {
		return nil, fmt.Errorf("%w: %s", browser.ErrNoMatch, selector)
	}
	return r, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	return nil
}

type fakeOpener struct {
	handles map[string]*fakeHandle
	fail    map[string]bool
}

func (o *fakeOpener) open(_ context.Context, p Page) (PageHandle, error) {
	if o.fail[p.ID] {
		return nil, errors.New("navigation failed")
	}
	return o.handles[p.ID], nil
}

func newTestWatcher(t *testing.T, scanner Scanner, pages []Page, handles map[string]*fakeHandle) *Watcher {
	t.Helper()
	opts := fastOptions(nil)
	opts.WatchForChanges = Bool(false)
	opts.WatchInteractions = Bool(false)
	opener := &fakeOpener{handles: handles, fail: map[string]bool{}}
	for _, p := range pages {
		if _, ok := handles[p.ID]; !ok {
			opener.fail[p.ID] = true
		}
	}
	w := NewWatcher(WatcherConfig{
		Open:    opener.open,
		Scanner: scanner,
		Pages:   pages,
		Options: opts,
		Logger:  quietLogger(),
	})
	t.Cleanup(w.Stop)
	return w
}

func pageHandle(t *testing.T, id, markup string) *fakeHandle {
	return &fakeHandle{fakeTarget: newFakeTarget(t, id, markup), regions: map[string]*fakeTarget{}}
}

func TestWatcher_InitialScanPerPage(t *testing.T) {
	home := pageHandle(t, "home", `<main><img id="logo"></main>`)
	docs := pageHandle(t, "docs", `<main></main>`)
	var mu sync.Mutex
	var scanned []string
	scanner := ScannerFunc(func(_ context.Context, target Target, _ map[string]any) (*violation.Results, error) {
		mu.Lock()
		scanned = append(scanned, target.ID())
		mu.Unlock()
		if target.ID() == "home" {
			return results(raw("image-alt", "critical", "#logo")), nil
		}
		return results(), nil
	})

	sink := &collectSink{}
	w := newTestWatcher(t, scanner, []Page{
		{ID: "home", URL: "https://example.test/"},
		{ID: "docs", URL: "https://example.test/docs"},
	}, map[string]*fakeHandle{"home": home, "docs": docs})
	w.cfg.Sink = sink

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.AwaitInitial(ctx); err != nil {
		t.Fatalf("await initial: %v", err)
	}

	mu.Lock()
	if len(scanned) != 2 {
		t.Fatalf("scans: got %v, want one per page", scanned)
	}
	mu.Unlock()
	reports := sink.all()
	if len(reports) != 2 {
		t.Fatalf("reports: got %d, want 2", len(reports))
	}
	for _, r := range reports {
		if !r.Initial || r.PageURL == "" {
			t.Errorf("report %+v: want initial with a page url", r)
		}
	}

	pages := w.Pages()
	if len(pages) != 2 || pages[0].ID != "home" || pages[1].ID != "docs" {
		t.Fatalf("pages: got %+v", pages)
	}
	if pages[0].Violations != 1 || !pages[0].InitialDone || pages[0].Target != "home" {
		t.Errorf("home status: got %+v", pages[0])
	}
}

func TestWatcher_FailedPageIsListed(t *testing.T) {
	home := pageHandle(t, "home", `<main></main>`)
	w := newTestWatcher(t, &fakeScanner{}, []Page{
		{ID: "home", URL: "https://example.test/"},
		{ID: "down", URL: "https://down.test/"},
	}, map[string]*fakeHandle{"home": home})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	pages := w.Pages()
	if len(pages) != 2 {
		t.Fatalf("pages: got %d, want 2", len(pages))
	}
	if pages[1].Error == "" {
		t.Error("failed page: want an error in its status")
	}
	if _, err := w.Violations("down"); !errors.Is(err, ErrPageNotFound) {
		t.Errorf("violations of failed page: got %v, want ErrPageNotFound", err)
	}
}

func TestWatcher_StartFailsWithoutPages(t *testing.T) {
	w := newTestWatcher(t, &fakeScanner{}, []Page{{ID: "down", URL: "https://down.test/"}}, map[string]*fakeHandle{})
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("start: want an error when no page opens")
	}
}

func TestWatcher_ScanPage(t *testing.T) {
	home := pageHandle(t, "home", `<main></main>`)
	scanner := &fakeScanner{}
	scanner.push(results(), nil)
	scanner.push(results(raw("label", "serious", "#q")), nil)
	w := newTestWatcher(t, scanner, []Page{{ID: "home", URL: "https://example.test/"}}, map[string]*fakeHandle{"home": home})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.AwaitInitial(ctx); err != nil {
		t.Fatal(err)
	}

	vs, err := w.ScanPage(ctx, "home")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(vs) != 1 || vs[0].RuleID != "label" {
		t.Fatalf("violations: got %+v", vs)
	}
	if _, err := w.ScanPage(ctx, "nope"); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("unknown page: got %v, want ErrPageNotFound", err)
	}
}

func TestWatcher_ScanPageDisabled(t *testing.T) {
	home := pageHandle(t, "home", `<main></main>`)
	w := newTestWatcher(t, &fakeScanner{}, []Page{{ID: "home", URL: "https://example.test/"}}, map[string]*fakeHandle{"home": home})
	w.cfg.Options.Enabled = Bool(false)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := w.ScanPage(context.Background(), "home"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("scan: got %v, want ErrDisabled", err)
	}
}

func TestWatcher_SelectorAndRetarget(t *testing.T) {
	home := pageHandle(t, "home", `<main><form></form><nav></nav></main>`)
	home.regions["form"] = newFakeTarget(t, "home/form#4", `<form></form>`)
	home.regions["nav"] = newFakeTarget(t, "home/nav#5", `<nav></nav>`)
	scanner := &fakeScanner{}
	w := newTestWatcher(t, scanner, []Page{{ID: "home", URL: "https://example.test/", Selector: "form"}}, map[string]*fakeHandle{"home": home})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.AwaitInitial(ctx); err != nil {
		t.Fatal(err)
	}
	if got := w.Pages()[0].Target; got != "home/form#4" {
		t.Fatalf("target: got %q, want the form region", got)
	}

	id, err := w.Retarget(ctx, "home", "nav")
	if err != nil || id != "home/nav#5" {
		t.Fatalf("retarget: got %q, %v", id, err)
	}
	waitFor(t, "scan of the new target", func() bool {
		scanner.mu.Lock()
		defer scanner.mu.Unlock()
		return len(scanner.targets) > 0 && scanner.targets[len(scanner.targets)-1] == "home/nav#5"
	})

	if _, err := w.Retarget(ctx, "home", "aside"); !errors.Is(err, browser.ErrNoMatch) {
		t.Fatalf("retarget to missing selector: got %v, want ErrNoMatch", err)
	}

	id, err = w.Retarget(ctx, "home", "")
	if err != nil || id != "home" {
		t.Fatalf("retarget to document: got %q, %v", id, err)
	}
	if got := w.Pages()[0]; got.Target != "home" || got.Selector != "" {
		t.Fatalf("status after reset: got %+v", got)
	}
}

func TestWatcher_MissingSelectorFallsBackToDocument(t *testing.T) {
	home := pageHandle(t, "home", `<main></main>`)
	w := newTestWatcher(t, &fakeScanner{}, []Page{{ID: "home", URL: "https://example.test/", Selector: "#app"}}, map[string]*fakeHandle{"home": home})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	st := w.Pages()[0]
	if st.Target != "home" || st.Error == "" {
		t.Fatalf("status: got %+v, want document target with an error", st)
	}
}

func TestWatcher_Highlight(t *testing.T) {
	home := pageHandle(t, "home", `<main><img id="logo"></main>`)
	scanner := &fakeScanner{}
	scanner.push(results(raw("image-alt", "critical", "#logo"), raw("region", "moderate", "#gone")), nil)
	w := newTestWatcher(t, scanner, []Page{{ID: "home", URL: "https://example.test/"}}, map[string]*fakeHandle{"home": home})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.AwaitInitial(ctx); err != nil {
		t.Fatal(err)
	}

	vs, _ := w.Violations("home")
	logo := -1
	gone := -1
	for i, v := range vs {
		switch v.RuleID {
		case "image-alt":
			logo = i
		case "region":
			gone = i
		}
	}
	if logo < 0 || gone < 0 {
		t.Fatalf("violations: got %+v", vs)
	}

	if err := w.Highlight("home", logo); err != nil {
		t.Fatalf("highlight: %v", err)
	}
	if home.drawn != 1 {
		t.Fatalf("overlays drawn: got %d, want 1", home.drawn)
	}
	if err := w.Highlight("home", gone); !errors.Is(err, ErrNotResolved) {
		t.Fatalf("highlight unresolved: got %v, want ErrNotResolved", err)
	}
	if err := w.Highlight("home", 9); !errors.Is(err, ErrNoViolation) {
		t.Fatalf("highlight out of range: got %v, want ErrNoViolation", err)
	}
	if err := w.RemoveHighlight("home"); err != nil {
		t.Fatalf("remove highlight: %v", err)
	}
	if _, ok := w.Coordinator().Overlay().Current(); ok {
		t.Fatal("overlay still mounted after RemoveHighlight")
	}
}

func TestWatcher_InitialScanFailureEndsWait(t *testing.T) {
	home := pageHandle(t, "home", `<main></main>`)
	broken := pageHandle(t, "broken", `<main></main>`)
	scanner := ScannerFunc(func(_ context.Context, target Target, _ map[string]any) (*violation.Results, error) {
		if target.ID() == "broken" {
			return nil, errors.New("axe: fetch source: status 404")
		}
		return results(), nil
	})
	w := newTestWatcher(t, scanner, []Page{
		{ID: "home", URL: "https://example.test/"},
		{ID: "broken", URL: "https://example.test/broken"},
	}, map[string]*fakeHandle{"home": home, "broken": broken})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	started := time.Now()
	if err := w.AwaitInitial(ctx); err != nil {
		t.Fatalf("await initial: %v after %s", err, time.Since(started))
	}

	pages := w.Pages()
	if !pages[0].InitialDone || pages[0].Error != "" {
		t.Fatalf("home: got %+v, want a completed scan", pages[0])
	}
	if pages[1].InitialDone || !strings.Contains(pages[1].Error, "status 404") {
		t.Fatalf("broken: got %+v, want the scanner error", pages[1])
	}
}

func TestWatcher_HighlightDisabled(t *testing.T) {
	home := pageHandle(t, "home", `<main><img id="logo"></main>`)
	scanner := &fakeScanner{}
	scanner.push(results(raw("image-alt", "critical", "#logo")), nil)
	w := newTestWatcher(t, scanner, []Page{{ID: "home", URL: "https://example.test/"}}, map[string]*fakeHandle{"home": home})
	w.cfg.Options.EnableHighlighting = Bool(false)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.AwaitInitial(ctx); err != nil {
		t.Fatal(err)
	}

	err := w.Highlight("home", 0)
	if !errors.Is(err, ErrHighlightDisabled) {
		t.Fatalf("highlight: got %v, want ErrHighlightDisabled", err)
	}
	if home.drawn != 0 {
		t.Fatalf("overlays drawn: got %d, want 0", home.drawn)
	}
	if got := statusOf(err); got != http.StatusConflict {
		t.Fatalf("status: got %d, want %d", got, http.StatusConflict)
	}
}

func TestWatcher_HighlightDrawFailure(t *testing.T) {
	home := pageHandle(t, "home", `<main><img id="logo"></main>`)
	home.drawErr = errors.New("target closed")
	scanner := &fakeScanner{}
	scanner.push(results(raw("image-alt", "critical", "#logo")), nil)
	w := newTestWatcher(t, scanner, []Page{{ID: "home", URL: "https://example.test/"}}, map[string]*fakeHandle{"home": home})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.AwaitInitial(ctx); err != nil {
		t.Fatal(err)
	}

	err := w.Highlight("home", 0)
	if err == nil || !strings.Contains(err.Error(), "target closed") {
		t.Fatalf("highlight: got %v, want the draw error", err)
	}
	if got := statusOf(err); got != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want %d", got, http.StatusInternalServerError)
	}
	if _, ok := w.Coordinator().Overlay().Current(); ok {
		t.Fatal("overlay recorded after a failed draw")
	}
}

func TestWatcher_StopClosesPages(t *testing.T) {
	home := pageHandle(t, "home", `<main></main>`)
	w := newTestWatcher(t, &fakeScanner{}, []Page{{ID: "home", URL: "https://example.test/"}}, map[string]*fakeHandle{"home": home})
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	if home.closed != 1 {
		t.Fatalf("closed: got %d, want 1", home.closed)
	}
	if got := w.Coordinator().Instances(); got != 0 {
		t.Fatalf("registered sessions after stop: got %d, want 0", got)
	}
	if len(w.Pages()) != 0 {
		t.Fatal("pages still listed after stop")
	}
}

func TestAxeScanner_RejectsPlainTargets(t *testing.T) {
	s := AxeScanner(nil)
	_, err := s.Run(context.Background(), &fakeTarget{id: "plain"}, nil)
	if err == nil {
		t.Fatal("want an error for a target that cannot run scripts")
	}
}
