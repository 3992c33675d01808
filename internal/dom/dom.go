// Package dom holds the document model the auditor reasons about: an
// x/net/html tree plus the shadow roots attached to its hosts. Shadow
// content lives outside the light tree, so an ordinary walk or selector
// query over Root never enters it.
package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Document is a snapshot of a rendered document or of one region of it.
type Document struct {
	Root *html.Node

	shadows map[*html.Node]*html.Node
	backend map[*html.Node]int
}

// New wraps an html tree with no shadow roots.
func New(root *html.Node) *Document {
	return &Document{
		Root:    root,
		shadows: make(map[*html.Node]*html.Node),
		backend: make(map[*html.Node]int),
	}
}

// AttachShadow records fragment as the shadow root of host. fragment is
// normally a DocumentNode holding the shadow tree children.
func (d *Document) AttachShadow(host, fragment *html.Node) {
	d.shadows[host] = fragment
}

// ShadowRoot returns the shadow root hosted by n, or nil.
func (d *Document) ShadowRoot(n *html.Node) *html.Node {
	if d == nil || n == nil {
		return nil
	}
	return d.shadows[n]
}

// SetBackendID records the DevTools backend node id of n.
func (d *Document) SetBackendID(n *html.Node, id int) {
	d.backend[n] = id
}

// NodeByBackendID returns the node carrying the given backend id, or nil.
func (d *Document) NodeByBackendID(id int) *html.Node {
	if d == nil || id == 0 {
		return nil
	}
	for n, b := range d.backend {
		if b == id {
			return n
		}
	}
	return nil
}

// Element returns a handle on n carrying its backend id, or nil for a nil node.
func (d *Document) Element(n *html.Node) *Element {
	if n == nil {
		return nil
	}
	el := &Element{Node: n}
	if d != nil {
		el.BackendID = d.backend[n]
	}
	return el
}

// Subtree returns a Document rooted at n that shares shadow roots and
// backend ids with d.
func (d *Document) Subtree(n *html.Node) *Document {
	return &Document{Root: n, shadows: d.shadows, backend: d.backend}
}

// Element is a located node. BackendID is 0 when the snapshot did not come
// from a live browser.
type Element struct {
	Node      *html.Node
	BackendID int
}

// Tag returns the lower-case tag name.
func (e *Element) Tag() string {
	if e == nil || e.Node == nil {
		return ""
	}
	return e.Node.Data
}

// Attr returns the value of the named attribute on n.
func Attr(n *html.Node, name string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// Classes splits the class attribute of n.
func Classes(n *html.Node) []string {
	v, _ := Attr(n, "class")
	return strings.Fields(v)
}

// TextContent concatenates the text of n and its light-tree descendants.
func TextContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	stack := []*html.Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.Type == html.TextNode {
			b.WriteString(cur.Data)
			continue
		}
		for c := cur.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return b.String()
}

// Elements visits the element nodes of scope's light tree in document
// order, scope itself included. Returning false from fn stops the walk.
func Elements(scope *html.Node, fn func(*html.Node) bool) {
	if scope == nil {
		return
	}
	stack := []*html.Node{scope}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.Type == html.ElementNode && !fn(cur) {
			return
		}
		for c := cur.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
}

// ShadowScopes returns the shadow roots reachable from root, depth-first,
// each nested root following the scope that hosts it. root itself is not
// included. A visited set keeps self-referential structures from looping.
func (d *Document) ShadowScopes(root *html.Node) []*html.Node {
	if d == nil || root == nil || len(d.shadows) == 0 {
		return nil
	}
	visited := map[*html.Node]bool{root: true}
	var out []*html.Node

	stack := []*html.Node{root}
	for len(stack) > 0 {
		scope := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if scope != root {
			out = append(out, scope)
		}

		var found []*html.Node
		Elements(scope, func(n *html.Node) bool {
			if sr := d.shadows[n]; sr != nil && !visited[sr] {
				visited[sr] = true
				found = append(found, sr)
			}
			return true
		})
		for i := len(found) - 1; i >= 0; i-- {
			stack = append(stack, found[i])
		}
	}
	return out
}

// HasShadowContent reports whether any element under root hosts a shadow
// root with at least one child.
func (d *Document) HasShadowContent(root *html.Node) bool {
	if d == nil || len(d.shadows) == 0 {
		return false
	}
	found := false
	Elements(root, func(n *html.Node) bool {
		if sr := d.shadows[n]; sr != nil && sr.FirstChild != nil {
			found = true
			return false
		}
		return true
	})
	return found
}
