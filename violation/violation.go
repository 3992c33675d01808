// Package violation defines the records axewatch produces from a scan and
// the reconciliation of one scan against the previous one. These types are
// the public contract: sinks, the store and remote consumers import this
// package to receive audit results.
package violation

import (
	"encoding/json"
	"strings"

	"github.com/hazyhaar/axewatch/internal/dom"
)

// Impact is the axe-core severity of a violation.
type Impact string

const (
	ImpactMinor    Impact = "minor"
	ImpactModerate Impact = "moderate"
	ImpactSerious  Impact = "serious"
	ImpactCritical Impact = "critical"
	ImpactUnknown  Impact = "unknown"
)

// ParseImpact maps an engine impact string to an Impact. Null, empty and
// unrecognised values become ImpactUnknown.
func ParseImpact(s string) Impact {
	switch Impact(strings.ToLower(strings.TrimSpace(s))) {
	case ImpactMinor:
		return ImpactMinor
	case ImpactModerate:
		return ImpactModerate
	case ImpactSerious:
		return ImpactSerious
	case ImpactCritical:
		return ImpactCritical
	}
	return ImpactUnknown
}

// NodeRef is one offending node as reported by the engine.
type NodeRef struct {
	HTML   string   `json:"html"`
	Target []string `json:"target"`
	// Element is resolved by the locator on each reconcile. It is a hint
	// only: nil when the node could not be found or the DOM changed since.
	Element *dom.Element `json:"-"`
}

// Selector returns the innermost target segment: the selector of the node
// relative to the tree (document or shadow root) that contains it.
func (n NodeRef) Selector() string {
	if len(n.Target) == 0 {
		return ""
	}
	return n.Target[len(n.Target)-1]
}

// Record is a normalised violation.
type Record struct {
	RuleID      string    `json:"rule_id"`
	Impact      Impact    `json:"impact"`
	Description string    `json:"description"`
	Help        string    `json:"help"`
	HelpURL     string    `json:"help_url"`
	Nodes       []NodeRef `json:"nodes"`
}

// MaxKeyTargetLen bounds the target part of a Key.
const MaxKeyTargetLen = 100

// Key identifies a violation across scans: rule, impact and the joined
// node targets. Element identity is not part of it, so a violation on a
// re-rendered node keeps its key.
func (r Record) Key() string {
	parts := make([]string, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		parts = append(parts, strings.Join(n.Target, " "))
	}
	targets := strings.Join(parts, ",")
	if len(targets) > MaxKeyTargetLen {
		targets = targets[:MaxKeyTargetLen]
	}
	return r.RuleID + "|" + string(r.Impact) + "|" + targets
}

// Results is the raw engine output, as returned by axe.run.
type Results struct {
	Violations []RawViolation `json:"violations"`
}

// RawViolation is one entry of Results.Violations.
type RawViolation struct {
	ID          string    `json:"id"`
	Impact      string    `json:"impact"`
	Description string    `json:"description"`
	Help        string    `json:"help"`
	HelpURL     string    `json:"helpUrl"`
	Nodes       []RawNode `json:"nodes"`
}

// RawNode is one entry of RawViolation.Nodes.
type RawNode struct {
	HTML   string `json:"html"`
	Target Target `json:"target"`
}

// Target is an axe target path. axe encodes nodes inside shadow roots as a
// nested array (host selector, then selectors inside each root); Target
// flattens both shapes into one ordered sequence of segments.
type Target []string

// UnmarshalJSON accepts ["sel", ...] and [["host", "inner"], ...].
func (t *Target) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		var single string
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return err
		}
		*t = Target{single}
		return nil
	}

	out := make(Target, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var nested []string
		if err := json.Unmarshal(item, &nested); err != nil {
			return err
		}
		out = append(out, nested...)
	}
	*t = out
	return nil
}
