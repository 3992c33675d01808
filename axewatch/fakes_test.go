package axewatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/axewatch/internal/dom"
	"github.com/hazyhaar/axewatch/violation"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTarget is a region backed by a parsed document.
type fakeTarget struct {
	id  string
	doc *dom.Document

	mu        sync.Mutex
	observers map[int]fakeObserver
	next      int
	observed  int
}

type fakeObserver struct {
	spec dom.WatchSpec
	fn   func(dom.Change)
}

func newFakeTarget(t *testing.T, id, markup string) *fakeTarget {
	t.Helper()
	doc, err := dom.ParseString(markup)
	if err != nil {
		t.Fatalf("parse %s: %v", id, err)
	}
	return &fakeTarget{id: id, doc: doc, observers: make(map[int]fakeObserver)}
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) Snapshot(ctx context.Context) (*dom.Document, error) {
	return f.doc, nil
}

func (f *fakeTarget) Observe(ctx context.Context, spec dom.WatchSpec, fn func(dom.Change)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.observed++
	f.observers[id] = fakeObserver{spec: spec, fn: fn}
	return func() {
		f.mu.Lock()
		delete(f.observers, id)
		f.mu.Unlock()
	}, nil
}

// active returns the number of attached observers.
func (f *fakeTarget) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeTarget) fire(ch dom.Change) {
	f.mu.Lock()
	var fns []func(dom.Change)
	for _, o := range f.observers {
		if ch.Kind == dom.KindMutation && o.spec.Mutations {
			// Attribute changes pass the same filter as the in-page observer.
			if ch.Type != "attributes" || o.spec.WantsAttribute(ch.Attribute) {
				fns = append(fns, o.fn)
			}
		}
		if ch.Kind == dom.KindInteraction && len(o.spec.Events) > 0 {
			fns = append(fns, o.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// fakeScanner returns scripted results and records every call.
type fakeScanner struct {
	mu      sync.Mutex
	script  []scanResult
	calls   int
	targets []string
	options []map[string]any
	delay   time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

type scanResult struct {
	res *violation.Results
	err error
}

func (f *fakeScanner) push(res *violation.Results, err error) {
	f.mu.Lock()
	f.script = append(f.script, scanResult{res: res, err: err})
	f.mu.Unlock()
}

func (f *fakeScanner) Run(ctx context.Context, target Target, options map[string]any) (*violation.Results, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.targets = append(f.targets, target.ID())
	f.options = append(f.options, options)

	// The last scripted result repeats once the script is consumed.
	if len(f.script) == 0 {
		return &violation.Results{}, nil
	}
	r := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return r.res, r.err
}

func (f *fakeScanner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRenderer records overlays.
type fakeRenderer struct {
	mu      sync.Mutex
	drawn   []dom.Rect
	removed int
	boxes   map[*dom.Element]dom.Rect
}

func (f *fakeRenderer) BoundingBox(ctx context.Context, el *dom.Element) (dom.Rect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.boxes[el]
	if !ok {
		return dom.Rect{}, errors.New("element detached")
	}
	return r, nil
}

func (f *fakeRenderer) DrawOverlay(ctx context.Context, r dom.Rect) (func() error, error) {
	f.mu.Lock()
	f.drawn = append(f.drawn, r)
	f.mu.Unlock()
	return func() error {
		f.mu.Lock()
		f.removed++
		f.mu.Unlock()
		return nil
	}, nil
}

// collectSink keeps every report.
type collectSink struct {
	mu      sync.Mutex
	reports []violation.Report
}

func (c *collectSink) Send(ctx context.Context, r violation.Report) error {
	c.mu.Lock()
	c.reports = append(c.reports, r)
	c.mu.Unlock()
	return nil
}

func (c *collectSink) all() []violation.Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]violation.Report(nil), c.reports...)
}

func results(vs ...violation.RawViolation) *violation.Results {
	return &violation.Results{Violations: vs}
}

func raw(rule, impact, selector string) violation.RawViolation {
	return violation.RawViolation{
		ID:     rule,
		Impact: impact,
		Help:   rule + " help",
		Nodes:  []violation.RawNode{{HTML: "<div></div>", Target: violation.Target{selector}}},
	}
}

// fastOptions keeps every delay in the millisecond range.
func fastOptions(root Target) Options {
	return Options{
		Root:              root,
		Enabled:           Bool(true),
		WaitForContent:    Bool(false),
		InitialScanDelay:  time.Millisecond,
		SettleDelay:       time.Millisecond,
		DebounceDelay:     30 * time.Millisecond,
		InitialRetryDelay: 2 * time.Millisecond,
		Logger:            quietLogger(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle waits for the queue and any short timer to go quiet.
func settle(t *testing.T, c *Coordinator) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("coordinator wait: %v", err)
	}
}
