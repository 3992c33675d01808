package dom

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Parse reads an HTML document. Declarative shadow roots
// (<template shadowrootmode="open|closed">) are lifted out of the light
// tree and attached to their host, the way a browser does it.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	doc := New(root)
	doc.liftShadowTemplates(root)
	return doc, nil
}

// ParseString is Parse over a string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

func (d *Document) liftShadowTemplates(root *html.Node) {
	pending := []*html.Node{root}
	for len(pending) > 0 {
		scope := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		var templates []*html.Node
		Elements(scope, func(n *html.Node) bool {
			if n.DataAtom == atom.Template && isShadowTemplate(n) && n.Parent != nil && n.Parent.Type == html.ElementNode {
				templates = append(templates, n)
			}
			return true
		})

		for _, tpl := range templates {
			host := tpl.Parent
			if d.shadows[host] != nil {
				// A host keeps its first declarative root.
				continue
			}
			frag := &html.Node{Type: html.DocumentNode}
			for c := tpl.FirstChild; c != nil; {
				next := c.NextSibling
				tpl.RemoveChild(c)
				frag.AppendChild(c)
				c = next
			}
			host.RemoveChild(tpl)
			d.AttachShadow(host, frag)
			pending = append(pending, frag)
		}
	}
}

func isShadowTemplate(n *html.Node) bool {
	if _, ok := Attr(n, "shadowrootmode"); ok {
		return true
	}
	_, ok := Attr(n, "shadowroot")
	return ok
}
