// Package tree provides the ID-indexed node tree shared by the authoritative
// document on the host and the mirror kept by each client.
//
// Nodes are stored in an arena keyed by NodeID. Children are lists of IDs and
// the parent relation is a derived reverse index, so the structure never holds
// owning back-pointers.
package tree

import "fmt"

// NodeID identifies a node within one tree instance.
// IDs are never reused while the instance lives; see Allocator.
type NodeID uint32

const (
	// NoNode means "no node". It is used for a missing previous sibling
	// (insert at head) and is never assigned to a real node.
	NoNode NodeID = 0

	// RootID is reserved for the root element of every tree.
	RootID NodeID = 1

	// FirstID is the first ID handed out by an Allocator.
	FirstID NodeID = 2
)

// Kind distinguishes element nodes from text nodes.
type Kind uint8

const (
	// KindElement is a node with a tag, attributes and children.
	KindElement Kind = iota
	// KindText is a leaf node holding a string.
	KindText
)

// Attribute is a single name/value pair on an element.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Attributes is an ordered attribute list. Order of first insertion is kept
// so that re-serialisation is stable on every peer.
type Attributes []Attribute

// Get returns the value of name and whether it is present.
func (a Attributes) Get(name string) (string, bool) {
	for _, attr := range a {
		if attr.Name == name {
			return attr.Value, true
		}
	}
	return "", false
}

// Set updates name in place, or appends it if absent.
func (a Attributes) Set(name, value string) Attributes {
	for i := range a {
		if a[i].Name == name {
			a[i].Value = value
			return a
		}
	}
	return append(a, Attribute{Name: name, Value: value})
}

// Remove deletes name if present.
func (a Attributes) Remove(name string) Attributes {
	for i := range a {
		if a[i].Name == name {
			return append(a[:i:i], a[i+1:]...)
		}
	}
	return a
}

// Clone returns an independent copy, or nil for an empty list.
func (a Attributes) Clone() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	copy(out, a)
	return out
}

// Node is one entry in the arena.
type Node struct {
	ID         NodeID
	Kind       Kind
	Tag        string
	Attributes Attributes
	Children   []NodeID
	Text       string
}

// IsText reports whether n is a text node.
func (n *Node) IsText() bool { return n.Kind == KindText }

// Subtree is the recursive, self-contained serialisation of a node and all
// of its descendants. Snapshots and inserted nodes travel in this form.
//
// A non-nil Text marks a text node; Tag, Attributes and Children are then
// unused.
type Subtree struct {
	ID         NodeID
	Tag        string
	Attributes Attributes
	Children   []Subtree
	Text       *string
}

// Element builds an element subtree. Mostly useful in tests and behaviours.
func Element(id NodeID, tag string, attrs Attributes, children ...Subtree) Subtree {
	if len(children) == 0 {
		children = nil
	}
	return Subtree{ID: id, Tag: tag, Attributes: attrs.Clone(), Children: children}
}

// TextNode builds a text subtree.
func TextNode(id NodeID, text string) Subtree {
	return Subtree{ID: id, Text: &text}
}

// IsText reports whether s describes a text node.
func (s Subtree) IsText() bool { return s.Text != nil }

// Count returns the number of nodes in s, including s itself.
func (s Subtree) Count() int {
	n := 1
	for _, c := range s.Children {
		n += c.Count()
	}
	return n
}

// Walk visits s and its descendants in pre-order.
func (s Subtree) Walk(fn func(Subtree)) {
	fn(s)
	for _, c := range s.Children {
		c.Walk(fn)
	}
}

func (s Subtree) String() string {
	if s.IsText() {
		return fmt.Sprintf("#text(%d)%q", s.ID, *s.Text)
	}
	return fmt.Sprintf("<%s#%d children=%d>", s.Tag, s.ID, len(s.Children))
}
