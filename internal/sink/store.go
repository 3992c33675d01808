package sink

import (
	"context"

	"github.com/hazyhaar/axewatch/violation"
)

// ReportSaver persists reports.
type ReportSaver interface {
	SaveReport(ctx context.Context, report violation.Report) error
}

// Store writes every report to a ReportSaver, normally the audit history.
// Snippets are sanitised first: the history is served over HTTP.
type Store struct {
	saver ReportSaver
}

// NewStore creates a Store sink.
func NewStore(saver ReportSaver) *Store {
	return &Store{saver: saver}
}

func (s *Store) Send(ctx context.Context, report violation.Report) error {
	return s.saver.SaveReport(ctx, Sanitize(report))
}

// Close leaves the saver open; its owner closes it.
func (s *Store) Close() error { return nil }
