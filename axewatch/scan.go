package axewatch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/axewatch/violation"
)

// execute is one queued scan. It runs on the Coordinator drain goroutine.
func (s *Session) execute(initial bool) {
	if !s.coord.acquire() {
		s.logger.Debug("axewatch: scan skipped, another scan holds the engine")
		if initial {
			s.mu.Lock()
			s.initialPending = false
			s.mu.Unlock()
		}
		return
	}

	retrying := false
	s.setRunning(true)
	defer func() {
		s.mu.Lock()
		s.running = false
		if initial && !retrying {
			s.initialPending = false
		}
		s.mu.Unlock()
		s.coord.release()
		s.notify()
	}()

	s.mu.Lock()
	if s.closed || (initial && s.completedInitial) {
		s.mu.Unlock()
		return
	}
	target := s.resolveTargetLocked()
	s.mu.Unlock()

	if target == nil {
		s.logger.Warn("axewatch: no scan target", "error", ErrTargetMissing)
		if initial {
			s.setInitialErr(ErrTargetMissing)
		}
		return
	}

	if initial {
		s.gate.Await(s.ctx, target, s.cfg.readinessTimeout)
	}

	started := time.Now()
	res, err := s.scanner.Run(s.ctx, target, maps.Clone(s.cfg.scannerOptions))
	if err != nil {
		var final error
		retrying, final = s.handleScanError(err, initial)
		if initial && final != nil {
			s.setInitialErr(final)
		}
		return
	}

	doc, err := target.Snapshot(s.ctx)
	if err != nil {
		s.logger.Debug("axewatch: snapshot for node lookup failed", "target", target.ID(), "error", err)
		doc = nil
	}

	full := initial || !s.differ.HasPrevious()
	diff := s.differ.Reconcile(res, initial, doc)

	s.mu.Lock()
	s.violations = diff.Current
	if initial {
		s.completedInitial = true
		s.initialRetries = 0
		s.initialErr = nil
	}
	s.mu.Unlock()

	s.logSummary(diff, full, time.Since(started))
	s.emitReport(target, diff, initial)
	s.afterDelay(s.cfg.settleDelay, s.activateWatchers)
}

// handleScanError logs err. It reports whether an initial retry was
// scheduled and, when the run ends for good, the error that ended it.
func (s *Session) handleScanError(err error, initial bool) (bool, error) {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.logger.Debug("axewatch: scan interrupted", "error", err)
		return false, nil
	case errors.Is(err, ErrScannerBusy) && !initial:
		return false, nil
	case errors.Is(err, ErrScannerBusy):
		s.mu.Lock()
		s.initialRetries++
		attempt := s.initialRetries
		s.mu.Unlock()
		if attempt > s.cfg.maxInitialRetries {
			s.logger.Warn("axewatch: initial scan abandoned",
				"attempts", attempt-1, "error", ErrRetriesExhausted)
			return false, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt-1)
		}
		s.logger.Debug("axewatch: scanner busy, retrying initial scan",
			"attempt", attempt, "delay", s.cfg.initialRetryDelay)
		s.afterDelay(s.cfg.initialRetryDelay, func() { s.enqueue(true) })
		return true, nil
	default:
		s.logger.Error("axewatch: scan failed", "error", err)
		return false, err
	}
}

func (s *Session) setInitialErr(err error) {
	s.mu.Lock()
	s.initialErr = err
	s.mu.Unlock()
}

func (s *Session) logSummary(diff Diff, full bool, took time.Duration) {
	if full {
		if len(diff.Current) == 0 {
			s.logger.Info("axewatch: no accessibility violations", "took", took)
			return
		}
		s.logger.Warn("axewatch: accessibility violations found",
			"count", len(diff.Current), "took", took)
		for _, v := range diff.Current {
			s.logViolation("violation", v)
		}
		return
	}

	if len(diff.Added) == 0 && len(diff.Removed) == 0 {
		s.logger.Debug("axewatch: violations unchanged", "count", len(diff.Current), "took", took)
		return
	}
	s.logger.Info("axewatch: violations changed",
		"new", len(diff.Added), "resolved", len(diff.Removed),
		"total", len(diff.Current), "took", took)
	for _, v := range diff.Added {
		s.logViolation("new violation", v)
	}
	for _, v := range diff.Removed {
		s.logViolation("resolved violation", v)
	}
}

func (s *Session) logViolation(label string, v violation.Record) {
	selectors := make([]string, 0, len(v.Nodes))
	for _, n := range v.Nodes {
		selectors = append(selectors, n.Selector())
	}
	s.logger.Info("axewatch: "+label,
		"rule", v.RuleID, "impact", v.Impact, "help", v.Help,
		"help_url", v.HelpURL, "nodes", selectors)
}

func (s *Session) emitReport(target Target, diff Diff, initial bool) {
	if s.opts.Sink == nil {
		return
	}
	report := violation.Report{
		ID:         uuid.Must(uuid.NewV7()).String(),
		SessionID:  s.id,
		PageID:     s.opts.PageID,
		PageURL:    s.opts.PageURL,
		Target:     target.ID(),
		Initial:    initial,
		Timestamp:  time.Now().UnixMilli(),
		Violations: diff.Current,
		Added:      diff.Added,
		Removed:    diff.Removed,
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.opts.Sink.Send(ctx, report); err != nil {
		s.logger.Warn("axewatch: report delivery failed", "report", report.ID, "error", err)
	}
}

// Diff is the violation delta of one scan.
type Diff = violation.Diff

// highlightRecord frames the first resolved element of v.
func (s *Session) highlightRecord(v violation.Record) error {
	for _, n := range v.Nodes {
		if n.Element != nil {
			return s.highlight(n.Element)
		}
	}
	return ErrNotResolved
}
