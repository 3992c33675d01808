package dom

import (
	"strings"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// FromCDP converts a DOM.getDocument tree (requested with pierce=true) into
// a Document. Shadow roots become attached fragments and every element
// keeps its backend node id so it can be highlighted later.
func FromCDP(root *proto.DOMNode) *Document {
	doc := New(nil)
	doc.Root = doc.convert(root)
	return doc
}

// FindCDP returns the node with the given id in a DOM.getDocument tree,
// searching children and shadow roots.
func FindCDP(root *proto.DOMNode, id proto.DOMNodeID) *proto.DOMNode {
	stack := []*proto.DOMNode{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == nil {
			continue
		}
		if n.NodeID == id {
			return n
		}
		stack = append(stack, n.Children...)
		stack = append(stack, n.ShadowRoots...)
	}
	return nil
}

func (d *Document) convert(n *proto.DOMNode) *html.Node {
	if n == nil {
		return nil
	}

	var out *html.Node
	switch n.NodeType {
	case 1: // Element
		name := strings.ToLower(n.LocalName)
		if name == "" {
			name = strings.ToLower(n.NodeName)
		}
		out = &html.Node{Type: html.ElementNode, Data: name, DataAtom: atom.Lookup([]byte(name))}
		for i := 0; i+1 < len(n.Attributes); i += 2 {
			out.Attr = append(out.Attr, html.Attribute{Key: n.Attributes[i], Val: n.Attributes[i+1]})
		}
		d.SetBackendID(out, int(n.BackendNodeID))
	case 3: // Text
		return &html.Node{Type: html.TextNode, Data: n.NodeValue}
	case 8: // Comment
		return &html.Node{Type: html.CommentNode, Data: n.NodeValue}
	case 9, 11: // Document, DocumentFragment
		out = &html.Node{Type: html.DocumentNode}
	default:
		return nil
	}

	for _, c := range n.Children {
		if child := d.convert(c); child != nil {
			out.AppendChild(child)
		}
	}
	if out.Type == html.ElementNode {
		for _, sr := range n.ShadowRoots {
			// user-agent roots belong to the browser, not the page.
			if sr.ShadowRootType == proto.DOMShadowRootTypeUserAgent {
				continue
			}
			if frag := d.convert(sr); frag != nil {
				d.AttachShadow(out, frag)
				break
			}
		}
	}
	return out
}
