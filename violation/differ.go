package violation

import (
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/axewatch/internal/dom"
)

// Locator resolves a reported node inside a document snapshot.
type Locator interface {
	Locate(doc *dom.Document, selector, markup string) *html.Node
}

// Diff is the outcome of one Reconcile call.
type Diff struct {
	Current []Record `json:"current"`
	Added   []Record `json:"added"`
	Removed []Record `json:"removed"`
}

// Differ turns raw results into records and diffs them against the records
// of its previous call. It keeps state: each Reconcile replaces the
// previous set.
type Differ struct {
	locator Locator

	mu       sync.Mutex
	previous []Record
	hasPrev  bool
}

// NewDiffer creates a Differ. locator may be nil, in which case no
// element is ever resolved.
func NewDiffer(locator Locator) *Differ {
	return &Differ{locator: locator}
}

// Normalize converts raw results into records without touching the
// previous set. When records share a key the first one is kept and the
// later ones are dropped with their nodes.
func (d *Differ) Normalize(res *Results, doc *dom.Document) []Record {
	if res == nil {
		return nil
	}
	records := make([]Record, 0, len(res.Violations))
	seen := make(map[string]bool, len(res.Violations))
	for _, v := range res.Violations {
		rec := Record{
			RuleID:      v.ID,
			Impact:      ParseImpact(v.Impact),
			Description: v.Description,
			Help:        v.Help,
			HelpURL:     v.HelpURL,
			Nodes:       make([]NodeRef, 0, len(v.Nodes)),
		}
		for _, n := range v.Nodes {
			ref := NodeRef{HTML: n.HTML, Target: []string(n.Target)}
			if d.locator != nil && doc != nil {
				ref.Element = doc.Element(d.locator.Locate(doc, ref.Selector(), ref.HTML))
			}
			rec.Nodes = append(rec.Nodes, ref)
		}
		key := rec.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		records = append(records, rec)
	}
	return records
}

// Reconcile normalises res and diffs it against the previous call. On an
// initial scan, or when there is no previous call, every current record is
// reported as added and nothing as removed.
func (d *Differ) Reconcile(res *Results, initial bool, doc *dom.Document) Diff {
	current := d.Normalize(res, doc)

	d.mu.Lock()
	defer d.mu.Unlock()

	diff := Diff{Current: current}
	if initial || !d.hasPrev {
		diff.Added = current
	} else {
		diff.Added, diff.Removed = setDiff(d.previous, current)
	}
	d.previous = current
	d.hasPrev = true
	return diff
}

// Previous returns the records of the last Reconcile call.
func (d *Differ) Previous() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.previous
}

// HasPrevious reports whether Reconcile has been called.
func (d *Differ) HasPrevious() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasPrev
}

// Reset forgets the previous set.
func (d *Differ) Reset() {
	d.mu.Lock()
	d.previous = nil
	d.hasPrev = false
	d.mu.Unlock()
}

func setDiff(prev, cur []Record) (added, removed []Record) {
	prevKeys := make(map[string]bool, len(prev))
	for _, r := range prev {
		prevKeys[r.Key()] = true
	}
	curKeys := make(map[string]bool, len(cur))
	for _, r := range cur {
		k := r.Key()
		curKeys[k] = true
		if !prevKeys[k] {
			added = append(added, r)
		}
	}
	for _, r := range prev {
		if !curKeys[r.Key()] {
			removed = append(removed, r)
		}
	}
	return added, removed
}
