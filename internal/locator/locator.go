// Package locator finds the live node behind an engine-reported target,
// looking through nested shadow roots that selector queries cannot cross.
package locator

import (
	"slices"
	"strings"

	"github.com/andybalholm/cascadia"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/axewatch/internal/dom"
)

// minTextLen is the length a markup's text must exceed before it is used
// for text equality.
const minTextLen = 3

// DefaultCacheSize is the number of parsed markups kept by New(0).
const DefaultCacheSize = 512

// Locator resolves (selector, markup) pairs against a document snapshot.
// It never mutates the document.
type Locator struct {
	hints *lru.Cache[string, hints]
}

// New creates a Locator caching the hints of up to size markups.
func New(size int) *Locator {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, hints](size)
	return &Locator{hints: cache}
}

// Locate returns the node for markup/selector in doc, or nil.
//
// Markup hints are tried first (id, aria-label, role+classes, role,
// classes, text), each against the root and then every reachable shadow
// root before the next hint. Then the selector is matched against the
// root, and finally inside every reachable shadow root.
func (l *Locator) Locate(doc *dom.Document, selector, markup string) *html.Node {
	if doc == nil || doc.Root == nil {
		return nil
	}

	var scopes []*html.Node
	allScopes := func() []*html.Node {
		if scopes == nil {
			scopes = append([]*html.Node{doc.Root}, doc.ShadowScopes(doc.Root)...)
		}
		return scopes
	}

	if markup != "" {
		h := l.hintsFor(markup)
		if !h.empty() {
			for _, match := range h.matchers() {
				for _, scope := range allScopes() {
					if n := findIn(scope, match); n != nil {
						return n
					}
				}
			}
		}
	}

	if strings.TrimSpace(selector) == "" {
		return nil
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil
	}
	if n := cascadia.Query(doc.Root, sel); n != nil {
		return n
	}
	for _, scope := range allScopes()[1:] {
		if n := cascadia.Query(scope, sel); n != nil {
			return n
		}
	}
	return nil
}

func (l *Locator) hintsFor(markup string) hints {
	if h, ok := l.hints.Get(markup); ok {
		return h
	}
	h := parseHints(markup)
	l.hints.Add(markup, h)
	return h
}

// hints are the identifying features extracted from serialized markup.
type hints struct {
	tag       string
	id        string
	ariaLabel string
	role      string
	classes   []string
	text      string
}

func (h hints) empty() bool {
	return h.id == "" && h.ariaLabel == "" && h.role == "" && len(h.classes) == 0 &&
		len(h.text) <= minTextLen
}

type matcher func(*html.Node) bool

func (h hints) matchers() []matcher {
	var out []matcher
	if h.id != "" {
		out = append(out, func(n *html.Node) bool { return attrIs(n, "id", h.id) })
	}
	if h.ariaLabel != "" {
		out = append(out, func(n *html.Node) bool { return attrIs(n, "aria-label", h.ariaLabel) })
	}
	if h.role != "" && len(h.classes) > 0 {
		out = append(out, func(n *html.Node) bool { return attrIs(n, "role", h.role) && hasClasses(n, h.classes) })
	}
	if h.role != "" {
		out = append(out, func(n *html.Node) bool { return attrIs(n, "role", h.role) })
	}
	if len(h.classes) > 0 {
		out = append(out, func(n *html.Node) bool { return hasClasses(n, h.classes) })
	}
	if len(h.text) > minTextLen {
		out = append(out, func(n *html.Node) bool {
			if h.tag != "" && n.Data != h.tag {
				return false
			}
			return strings.TrimSpace(dom.TextContent(n)) == h.text
		})
	}
	return out
}

// findIn returns the first descendant of scope accepted by match.
func findIn(scope *html.Node, match matcher) *html.Node {
	var found *html.Node
	dom.Elements(scope, func(n *html.Node) bool {
		if n != scope && match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

func attrIs(n *html.Node, name, want string) bool {
	v, ok := dom.Attr(n, name)
	return ok && v == want
}

func hasClasses(n *html.Node, want []string) bool {
	have := dom.Classes(n)
	for _, c := range want {
		if !slices.Contains(have, c) {
			return false
		}
	}
	return true
}

// parseHints parses markup in a <template> context so that fragments such
// as <td> or <li> survive, and reads the first element.
func parseHints(markup string) hints {
	context := &html.Node{Type: html.ElementNode, Data: "template", DataAtom: atom.Template}
	nodes, err := html.ParseFragment(strings.NewReader(markup), context)
	if err != nil {
		return hints{}
	}
	for _, n := range nodes {
		if n.Type != html.ElementNode {
			continue
		}
		h := hints{tag: n.Data, classes: dom.Classes(n)}
		h.id, _ = dom.Attr(n, "id")
		h.ariaLabel, _ = dom.Attr(n, "aria-label")
		h.role, _ = dom.Attr(n, "role")
		h.text = strings.TrimSpace(dom.TextContent(n))
		return h
	}
	return hints{}
}
