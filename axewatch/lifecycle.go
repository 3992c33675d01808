package axewatch

import "sync"

// Lifecycle is the host framework seen from a session: attach and detach
// notifications, target reference changes, and a hook running work after
// the host has flushed its pending updates.
type Lifecycle interface {
	OnAttach(fn func())
	OnDetach(fn func())
	OnTargetChange(fn func(Target))
	AfterFlush(fn func())
}

// ManualLifecycle is a Lifecycle driven by explicit calls. The daemon uses
// one per page; tests use it to play the host.
type ManualLifecycle struct {
	mu       sync.Mutex
	attach   []func()
	detach   []func()
	change   []func(Target)
	target   Target
	attached bool
}

// NewManualLifecycle creates a lifecycle whose current target is t.
func NewManualLifecycle(t Target) *ManualLifecycle {
	return &ManualLifecycle{target: t}
}

func (l *ManualLifecycle) OnAttach(fn func()) {
	l.mu.Lock()
	l.attach = append(l.attach, fn)
	l.mu.Unlock()
}

func (l *ManualLifecycle) OnDetach(fn func()) {
	l.mu.Lock()
	l.detach = append(l.detach, fn)
	l.mu.Unlock()
}

func (l *ManualLifecycle) OnTargetChange(fn func(Target)) {
	l.mu.Lock()
	l.change = append(l.change, fn)
	l.mu.Unlock()
}

// AfterFlush runs fn immediately: there is no pending update queue.
func (l *ManualLifecycle) AfterFlush(fn func()) { fn() }

// Attach fires the attach callbacks once until the next Detach.
func (l *ManualLifecycle) Attach() {
	l.mu.Lock()
	if l.attached {
		l.mu.Unlock()
		return
	}
	l.attached = true
	fns := append([]func(){}, l.attach...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Detach fires the detach callbacks.
func (l *ManualLifecycle) Detach() {
	l.mu.Lock()
	if !l.attached {
		l.mu.Unlock()
		return
	}
	l.attached = false
	fns := append([]func(){}, l.detach...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Target returns the current target reference.
func (l *ManualLifecycle) Target() Target {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target
}

// SetTarget replaces the target reference and notifies listeners when its
// identity changed.
func (l *ManualLifecycle) SetTarget(t Target) {
	l.mu.Lock()
	if sameTarget(l.target, t) {
		l.mu.Unlock()
		return
	}
	l.target = t
	fns := append([]func(Target){}, l.change...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func sameTarget(a, b Target) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}
