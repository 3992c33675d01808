// Package sink delivers audit reports: JSON lines, webhooks, in-process
// callbacks, the SQLite history and live websocket clients.
package sink

import (
	"context"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/axewatch/violation"
)

// Sink is an output backend for reports.
type Sink interface {
	Send(ctx context.Context, report violation.Report) error
	Close() error
}

type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// snippetPolicy strips scripts and event handlers from node markup before
// it leaves the process for something that may render it.
var snippetPolicy = bluemonday.UGCPolicy()

// Sanitize returns r with every node snippet passed through the snippet
// policy. r is not modified.
func Sanitize(r violation.Report) violation.Report {
	r.Violations = sanitizeRecords(r.Violations)
	r.Added = sanitizeRecords(r.Added)
	r.Removed = sanitizeRecords(r.Removed)
	return r
}

func sanitizeRecords(in []violation.Record) []violation.Record {
	if in == nil {
		return nil
	}
	out := make([]violation.Record, len(in))
	for i, rec := range in {
		nodes := make([]violation.NodeRef, len(rec.Nodes))
		for j, n := range rec.Nodes {
			n.HTML = SanitizeSnippet(n.HTML)
			nodes[j] = n
		}
		rec.Nodes = nodes
		out[i] = rec
	}
	return out
}

// SanitizeSnippet applies the snippet policy to one markup fragment.
func SanitizeSnippet(s string) string {
	return snippetPolicy.Sanitize(s)
}
