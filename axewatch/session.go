// Package axewatch audits rendered documents for accessibility problems
// while they change. A Session binds one audited region to a host
// lifecycle: it schedules scans through a shared Coordinator, diffs
// violations from one scan to the next, re-scans when the region mutates
// or the user interacts with it, and highlights offending elements.
//
// Failures never reach callers. They end as log records and the last
// known violations stay in place.
package axewatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/axewatch/internal/dom"
	"github.com/hazyhaar/axewatch/internal/locator"
	"github.com/hazyhaar/axewatch/violation"
)

// State is what subscribers see after every change.
type State struct {
	Violations []violation.Record
	Running    bool
}

// Session audits one region. Create it with Use.
type Session struct {
	id       string
	coord    *Coordinator
	scanner  Scanner
	lc       Lifecycle
	cfg      settings
	opts     Options
	logger   *slog.Logger
	differ   *violation.Differ
	gate     Gate
	debounce *debouncer

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	target           Target
	root             Target
	violations       []violation.Record
	running          bool
	completedInitial bool
	initialPending   bool
	initialRetries   int
	initialErr       error
	watching         bool
	watchStops       []func()
	timers           map[*time.Timer]struct{}
	subscribers      map[int]func(State)
	nextSub          int
	closed           bool
}

// Use creates a session and binds it to lc: the first scan is scheduled on
// attach, Cleanup runs on detach and target changes swap the audited
// region. ctx bounds every scan of the session.
func Use(ctx context.Context, lc Lifecycle, coord *Coordinator, scanner Scanner, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.Must(uuid.NewV7()).String()
	logger = logger.With("session", id)
	if opts.LoggerPrefix != "" {
		logger = logger.With("prefix", opts.LoggerPrefix)
	}

	cfg := opts.resolve()
	s := &Session{
		id:          id,
		coord:       coord,
		scanner:     scanner,
		lc:          lc,
		cfg:         cfg,
		opts:        opts,
		logger:      logger,
		differ:      violation.NewDiffer(locator.New(0)),
		gate:        Gate{Disabled: !cfg.waitForContent, Logger: logger},
		target:      opts.Element,
		root:        opts.Root,
		timers:      make(map[*time.Timer]struct{}),
		subscribers: make(map[int]func(State)),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.debounce = newDebouncer(cfg.debounceDelay, func() {
		lc.AfterFlush(func() { s.RunAxe(false) })
	})

	lc.OnAttach(s.attach)
	lc.OnDetach(s.Cleanup)
	lc.OnTargetChange(s.retarget)
	return s
}

// ID returns the session instance id.
func (s *Session) ID() string { return s.id }

// Violations returns the violations of the last completed scan.
func (s *Session) Violations() []violation.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.violations)
}

// IsRunning reports whether a scan of this session is executing.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Enabled reports whether the session scans at all.
func (s *Session) Enabled() bool { return s.cfg.enabled }

// CompletedInitialScan reports whether the first scan has finished.
func (s *Session) CompletedInitialScan() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedInitial
}

// InitialScanError returns why the first scan ended without completing:
// the scanner error, ErrRetriesExhausted or ErrTargetMissing. It is nil
// while the first scan is pending and once one has completed.
func (s *Session) InitialScanError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialErr
}

// Target returns the region the next scan will audit, or nil.
func (s *Session) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveTargetLocked()
}

// Subscribe registers fn to receive the session state after every scan
// and every running flag change. The returned function unsubscribes.
func (s *Session) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// RunAxe requests a scan. It returns at once; the scan runs on the
// Coordinator queue. It is a no-op when the session is disabled or cleaned
// up, and for an initial scan once one has completed or is pending.
func (s *Session) RunAxe(initial bool) {
	s.mu.Lock()
	if s.closed || !s.cfg.enabled {
		s.mu.Unlock()
		return
	}
	if initial {
		if s.completedInitial || s.initialPending {
			s.mu.Unlock()
			return
		}
		s.initialPending = true
		s.initialErr = nil
	}
	s.mu.Unlock()

	s.enqueue(initial)
}

func (s *Session) enqueue(initial bool) {
	s.coord.Enqueue(func() { s.execute(initial) })
}

// HighlightElement frames el in the page. No-op when highlighting is off.
// Failures are logged.
func (s *Session) HighlightElement(el *dom.Element) {
	if err := s.highlight(el); err != nil && !errors.Is(err, ErrHighlightDisabled) {
		s.logger.Warn("axewatch: highlight failed", "error", err)
	}
}

func (s *Session) highlight(el *dom.Element) error {
	if !s.cfg.highlighting || s.opts.Renderer == nil {
		return ErrHighlightDisabled
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrHighlightDisabled
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return s.coord.Overlay().Show(ctx, s.opts.Renderer, el)
}

// RemoveHighlight hides the overlay.
func (s *Session) RemoveHighlight() {
	if !s.cfg.highlighting {
		return
	}
	s.coord.Overlay().Hide()
}

// Cleanup detaches watchers, removes the overlay and deregisters the
// session. Calling it again does nothing.
func (s *Session) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timers := s.timers
	s.timers = make(map[*time.Timer]struct{})
	s.mu.Unlock()

	for t := range timers {
		t.Stop()
	}
	s.debounce.stop()
	s.deactivateWatchers()
	s.coord.Overlay().Hide()
	s.coord.Deregister(s.id)
	s.cancel()
	s.logger.Debug("axewatch: session cleaned up")
}

func (s *Session) attach() {
	s.coord.Register(s.id)
	if !s.cfg.enabled {
		s.logger.Debug("axewatch: session disabled")
		return
	}
	s.afterDelay(s.cfg.initialScanDelay, func() { s.RunAxe(true) })
}

func (s *Session) retarget(t Target) {
	s.mu.Lock()
	if s.closed || sameTarget(s.target, t) {
		s.mu.Unlock()
		return
	}
	s.target = t
	wasWatching := s.watching
	s.mu.Unlock()

	s.deactivateWatchers()
	if t != nil {
		s.logger.Info("axewatch: target changed", "target", t.ID())
	}
	if wasWatching {
		s.activateWatchers()
	}
	s.RunAxe(false)
}

// resolveTargetLocked returns the live reference, else the default root.
func (s *Session) resolveTargetLocked() Target {
	if s.target != nil {
		return s.target
	}
	return s.root
}

// afterDelay runs fn after d unless the session is cleaned up first.
func (s *Session) afterDelay(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, t)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Session) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
	s.notify()
}

func (s *Session) notify() {
	s.mu.Lock()
	st := State{Violations: slices.Clone(s.violations), Running: s.running}
	subs := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}
