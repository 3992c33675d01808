package dom

import (
	"slices"
	"strings"
)

// Rect is a viewport-relative box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ChangeKind separates DOM mutations from user interaction.
type ChangeKind string

const (
	KindMutation    ChangeKind = "mutation"
	KindInteraction ChangeKind = "interaction"
)

// Change is one observed event on a watched region.
type Change struct {
	Kind ChangeKind `json:"kind"`
	// Type is the MutationRecord type (childList, attributes) or the DOM
	// event type (click, focus, ...).
	Type string `json:"type"`
	// Attribute is set for attribute mutations.
	Attribute string `json:"attribute,omitempty"`
}

// WatchSpec tells a target what to report.
type WatchSpec struct {
	// Mutations observes childList + subtree changes and the attributes
	// accepted by WantsAttribute.
	Mutations       bool     `json:"mutations"`
	AttributeFilter []string `json:"attribute_filter,omitempty"`
	// AttributePrefixes accepts every attribute starting with one of them,
	// on top of the names in AttributeFilter.
	AttributePrefixes []string `json:"attribute_prefixes,omitempty"`
	// Events lists DOM event types listened to in the capture phase.
	Events []string `json:"events,omitempty"`
}

// WantsAttribute reports whether a change of the attribute name is
// reported. The in-page observer applies the same rule.
func (s WatchSpec) WantsAttribute(name string) bool {
	if !s.Mutations {
		return false
	}
	for _, p := range s.AttributePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return slices.Contains(s.AttributeFilter, name)
}
