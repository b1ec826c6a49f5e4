package tree

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultRootTag is the tag of the synthetic root element that holds a
// parsed markup document.
const DefaultRootTag = "root"

// ParseMarkup parses an HTML-style markup fragment into a subtree rooted at a
// synthetic element named rootTag (ID RootID). Every other node gets an ID
// from alloc, in document order.
//
// The fragment is parsed in a body context, so the usual HTML rules apply:
// a self-closing non-void tag such as <a/> is an open tag. Text nodes that
// hold only whitespace are dropped, comments and doctypes are ignored.
func ParseMarkup(r io.Reader, rootTag string, alloc *Allocator) (Subtree, error) {
	if rootTag == "" {
		rootTag = DefaultRootTag
	}
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(r, context)
	if err != nil {
		return Subtree{}, fmt.Errorf("parse markup: %w", err)
	}

	root := Subtree{ID: RootID, Tag: rootTag}
	for _, n := range nodes {
		if s, ok := fromHTML(n, alloc); ok {
			root.Children = append(root.Children, s)
		}
	}
	return root, nil
}

func fromHTML(n *html.Node, alloc *Allocator) (Subtree, bool) {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" {
			return Subtree{}, false
		}
		return TextNode(alloc.Next(), n.Data), true
	case html.ElementNode:
		s := Subtree{ID: alloc.Next(), Tag: n.Data}
		for _, a := range n.Attr {
			name := a.Key
			if a.Namespace != "" {
				name = a.Namespace + ":" + a.Key
			}
			s.Attributes = s.Attributes.Set(name, a.Val)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if cs, ok := fromHTML(c, alloc); ok {
				s.Children = append(s.Children, cs)
			}
		}
		return s, true
	default:
		return Subtree{}, false
	}
}

// RenderMarkup writes s as markup. Node IDs are not part of the output.
func RenderMarkup(w io.Writer, s Subtree) error {
	return html.Render(w, toHTML(s))
}

// MarkupString renders s to a string, returning an error marker on failure.
func MarkupString(s Subtree) string {
	var b strings.Builder
	if err := RenderMarkup(&b, s); err != nil {
		return fmt.Sprintf("<!-- render error: %v -->", err)
	}
	return b.String()
}

func toHTML(s Subtree) *html.Node {
	if s.IsText() {
		return &html.Node{Type: html.TextNode, Data: *s.Text}
	}
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     s.Tag,
		DataAtom: atom.Lookup([]byte(s.Tag)),
	}
	for _, a := range s.Attributes {
		n.Attr = append(n.Attr, html.Attribute{Key: a.Name, Val: a.Value})
	}
	for _, c := range s.Children {
		n.AppendChild(toHTML(c))
	}
	return n
}
