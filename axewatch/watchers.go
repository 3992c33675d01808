package axewatch

import (
	"slices"
	"sync"
	"time"

	"github.com/hazyhaar/axewatch/internal/dom"
)

// MutationAttributes are the attributes whose changes trigger a re-scan,
// on top of any aria-* attribute.
var MutationAttributes = []string{
	"aria-label", "aria-labelledby", "aria-describedby", "aria-hidden",
	"aria-expanded", "aria-checked", "aria-selected", "aria-pressed",
	"aria-disabled", "aria-invalid", "aria-required", "aria-live",
	"aria-current", "aria-controls", "aria-owns", "aria-valuenow",
	"role", "alt", "title", "tabindex", "disabled", "hidden", "lang",
	"for", "href", "id", "type", "placeholder",
}

// mutationSpec watches structure changes plus the attributes above and
// every aria-* attribute.
func mutationSpec() dom.WatchSpec {
	return dom.WatchSpec{
		Mutations:         true,
		AttributeFilter:   MutationAttributes,
		AttributePrefixes: []string{"aria-"},
	}
}

// InteractionEvents are the DOM events that trigger a re-scan.
var InteractionEvents = []string{"click", "focus", "blur", "change", "input", "keydown"}

// qualifies filters what a target reports down to changes that can alter
// the accessibility tree.
func qualifies(ch dom.Change) bool {
	switch ch.Kind {
	case dom.KindMutation:
		switch ch.Type {
		case "childList":
			return true
		case "attributes":
			return mutationSpec().WantsAttribute(ch.Attribute)
		}
	case dom.KindInteraction:
		return slices.Contains(InteractionEvents, ch.Type)
	}
	return false
}

// debouncer calls fire once delay has passed without another trigger.
type debouncer struct {
	delay time.Duration
	fire  func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(delay time.Duration, fire func()) *debouncer {
	return &debouncer{delay: delay, fire: fire}
}

// trigger (re)starts the window.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// stop cancels a pending fire and ignores later triggers.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// activateWatchers attaches the mutation and interaction watchers to the
// current target unless they already run.
func (s *Session) activateWatchers() {
	s.mu.Lock()
	if s.closed || s.watching || (!s.cfg.watchChanges && !s.cfg.watchInteractions) {
		s.mu.Unlock()
		return
	}
	target := s.resolveTargetLocked()
	if target == nil {
		s.mu.Unlock()
		return
	}
	s.watching = true
	s.mu.Unlock()

	var stops []func()
	if s.cfg.watchChanges {
		spec := mutationSpec()
		if stop, err := target.Observe(s.ctx, spec, s.onChange); err != nil {
			s.logger.Warn("axewatch: mutation watcher failed", "target", target.ID(), "error", err)
		} else {
			stops = append(stops, stop)
		}
	}
	if s.cfg.watchInteractions {
		spec := dom.WatchSpec{Events: InteractionEvents}
		if stop, err := target.Observe(s.ctx, spec, s.onChange); err != nil {
			s.logger.Warn("axewatch: interaction watcher failed", "target", target.ID(), "error", err)
		} else {
			stops = append(stops, stop)
		}
	}

	s.mu.Lock()
	if s.closed || !sameTarget(target, s.resolveTargetLocked()) {
		// Cleaned up or retargeted while attaching; retarget owns the
		// watching flag from here.
		s.mu.Unlock()
		for _, stop := range stops {
			stop()
		}
		return
	}
	s.watchStops = append(s.watchStops, stops...)
	s.mu.Unlock()

	s.logger.Debug("axewatch: watchers active", "target", target.ID(), "count", len(stops))
}

// deactivateWatchers detaches every watcher.
func (s *Session) deactivateWatchers() {
	s.mu.Lock()
	stops := s.watchStops
	s.watchStops = nil
	s.watching = false
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

func (s *Session) onChange(ch dom.Change) {
	if !qualifies(ch) {
		return
	}
	s.debounce.trigger()
}
