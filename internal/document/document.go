// Package document provides the authoritative, writable tree for one hosted
// document. It offers DOM-style mutation methods and raises a native change
// notification for every mutation that touches the connected tree.
//
// A Document is not safe for concurrent use. The replication session runs
// every mutation on its own pipeline goroutine.
package document

import (
	"fmt"
	"io"
	"strings"

	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/tree"
)

// Listener receives change notifications synchronously, while the document
// is in the state right after the change.
type Listener interface {
	Notify(d *Document, n Notification)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(d *Document, n Notification)

// Notify calls f.
func (f ListenerFunc) Notify(d *Document, n Notification) { f(d, n) }

// Document is the authoritative tree plus its ID allocator.
type Document struct {
	tree      *tree.Tree
	alloc     *tree.Allocator
	rootTag   string
	listeners []Listener
}

// New returns an empty document whose root element is rootTag.
func New(rootTag string) *Document {
	if rootTag == "" {
		rootTag = tree.DefaultRootTag
	}
	return &Document{
		tree:    tree.New(rootTag),
		alloc:   tree.NewAllocator(),
		rootTag: rootTag,
	}
}

// Parse builds a document from markup.
func Parse(r io.Reader, rootTag string) (*Document, error) {
	d := New(rootTag)
	if err := d.Load(r); err != nil {
		return nil, err
	}
	return d, nil
}

// Load replaces the entire document with markup from r and restarts ID
// allocation. Listeners receive a Reset notification.
func (d *Document) Load(r io.Reader) error {
	alloc := tree.NewAllocator()
	root, err := tree.ParseMarkup(r, d.rootTag, alloc)
	if err != nil {
		return err
	}
	t, err := tree.FromSubtree(root)
	if err != nil {
		return err
	}
	d.tree = t
	d.alloc = alloc
	d.notify(Reset{})
	return nil
}

// Observe registers l for notifications.
func (d *Document) Observe(l Listener) {
	d.listeners = append(d.listeners, l)
}

// Unobserve removes l.
func (d *Document) Unobserve(l Listener) {
	for i, cur := range d.listeners {
		if cur == l {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Document) notify(n Notification) {
	for _, l := range d.listeners {
		l.Notify(d, n)
	}
}

// Tree exposes the underlying tree for reading. Mutate through Document.
func (d *Document) Tree() *tree.Tree { return d.tree }

// Root returns the root element ID.
func (d *Document) Root() tree.NodeID { return d.tree.Root() }

// RootTag returns the tag of the root element.
func (d *Document) RootTag() string { return d.rootTag }

// Snapshot serialises the connected tree.
func (d *Document) Snapshot() tree.Subtree { return d.tree.Snapshot() }

// Markup renders the connected tree.
func (d *Document) Markup() string { return tree.MarkupString(d.tree.Snapshot()) }

// Node returns the node for id (read-only).
func (d *Document) Node(id tree.NodeID) (*tree.Node, bool) { return d.tree.Node(id) }

// CreateElement creates a detached element and returns its ID.
func (d *Document) CreateElement(tag string, attrs ...tree.Attribute) tree.NodeID {
	id := d.alloc.Next()
	// A freshly allocated ID cannot collide.
	_ = d.tree.Create(tree.Subtree{ID: id, Tag: tag, Attributes: tree.Attributes(attrs).Clone()})
	return id
}

// CreateText creates a detached text node and returns its ID.
func (d *Document) CreateText(text string) tree.NodeID {
	id := d.alloc.Next()
	_ = d.tree.Create(tree.TextNode(id, text))
	return id
}

// ParseFragment parses markup into detached nodes and returns their IDs in
// document order. Insert them with AppendChild or InsertAfter.
func (d *Document) ParseFragment(markup string) ([]tree.NodeID, error) {
	s, err := tree.ParseMarkup(strings.NewReader(markup), d.rootTag, d.alloc)
	if err != nil {
		return nil, err
	}
	ids := make([]tree.NodeID, 0, len(s.Children))
	for _, c := range s.Children {
		if err := d.tree.Create(c); err != nil {
			return nil, err
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Discard drops a detached node and its descendants.
func (d *Document) Discard(id tree.NodeID) error {
	if _, attached := d.tree.Parent(id); attached {
		return fmt.Errorf("discard %d: %w", id, tree.ErrAttached)
	}
	return d.tree.Delete(id)
}

// AppendChild inserts child as the last child of parent. An attached child
// is moved, keeping its ID.
func (d *Document) AppendChild(parent, child tree.NodeID) error {
	p, ok := d.tree.Node(parent)
	if !ok {
		return fmt.Errorf("parent %d: %w", parent, tree.ErrUnknownNode)
	}
	previous := tree.NoNode
	if n := len(p.Children); n > 0 {
		previous = p.Children[n-1]
	}
	if previous == child {
		return nil
	}
	return d.InsertAfter(parent, child, previous)
}

// InsertBefore inserts child before ref; NoNode appends.
func (d *Document) InsertBefore(parent, child, ref tree.NodeID) error {
	if ref == tree.NoNode {
		return d.AppendChild(parent, child)
	}
	if p, ok := d.tree.Parent(ref); !ok || p != parent {
		return fmt.Errorf("reference %d of %d: %w", ref, parent, tree.ErrNotChild)
	}
	if ref == child {
		return nil
	}
	return d.InsertAfter(parent, child, d.tree.PreviousSibling(ref))
}

// InsertAfter inserts child directly after previous (NoNode = first child).
// An attached child is detached from its current place first.
func (d *Document) InsertAfter(parent, child, previous tree.NodeID) error {
	if _, ok := d.tree.Node(child); !ok {
		return fmt.Errorf("child %d: %w", child, tree.ErrUnknownNode)
	}
	if err := d.checkInsert(parent, child, previous); err != nil {
		return err
	}
	if oldParent, attached := d.tree.Parent(child); attached {
		if err := d.detach(oldParent, child); err != nil {
			return err
		}
	}
	if err := d.tree.Attach(parent, previous, child); err != nil {
		return err
	}
	if d.tree.Connected(parent) {
		d.notify(ChildInserted{Parent: parent, Node: child})
	}
	return nil
}

// checkInsert validates a move before anything is detached, so a rejected
// insert leaves the tree and the notification stream untouched.
func (d *Document) checkInsert(parent, child, previous tree.NodeID) error {
	p, ok := d.tree.Node(parent)
	if !ok {
		return fmt.Errorf("parent %d: %w", parent, tree.ErrUnknownNode)
	}
	if p.IsText() {
		return fmt.Errorf("parent %d is text: %w", parent, tree.ErrNotElement)
	}
	if child == d.tree.Root() {
		return fmt.Errorf("root %d: %w", child, tree.ErrAttached)
	}
	if previous == child {
		return fmt.Errorf("node %d cannot follow itself: %w", child, tree.ErrNotChild)
	}
	if previous != tree.NoNode {
		if pp, ok := d.tree.Parent(previous); !ok || pp != parent {
			return fmt.Errorf("previous sibling %d of %d: %w", previous, parent, tree.ErrNotChild)
		}
	}
	for a := parent; ; {
		if a == child {
			return fmt.Errorf("node %d is an ancestor of %d: %w", child, parent, tree.ErrAttached)
		}
		next, ok := d.tree.Parent(a)
		if !ok {
			return nil
		}
		a = next
	}
}

func (d *Document) detach(parent, child tree.NodeID) error {
	previous := d.tree.PreviousSibling(child)
	connected := d.tree.Connected(parent)
	if err := d.tree.Detach(child); err != nil {
		return err
	}
	if connected {
		d.notify(ChildRemoved{Parent: parent, Node: child, PreviousSibling: previous})
	}
	return nil
}

// RemoveChild removes child from parent and drops it. Its ID is never
// reissued.
func (d *Document) RemoveChild(parent, child tree.NodeID) error {
	if p, ok := d.tree.Parent(child); !ok || p != parent {
		if !d.tree.Has(child) {
			return fmt.Errorf("child %d: %w", child, tree.ErrUnknownNode)
		}
		return fmt.Errorf("child %d of %d: %w", child, parent, tree.ErrNotChild)
	}
	if err := d.detach(parent, child); err != nil {
		return err
	}
	return d.tree.Delete(child)
}

// ReplaceChildren removes every child of parent, then appends children.
func (d *Document) ReplaceChildren(parent tree.NodeID, children ...tree.NodeID) error {
	p, ok := d.tree.Node(parent)
	if !ok {
		return fmt.Errorf("parent %d: %w", parent, tree.ErrUnknownNode)
	}
	for len(p.Children) > 0 {
		if err := d.RemoveChild(parent, p.Children[0]); err != nil {
			return err
		}
	}
	for _, c := range children {
		if err := d.AppendChild(parent, c); err != nil {
			return err
		}
	}
	return nil
}

// SetAttribute sets an attribute on an element.
func (d *Document) SetAttribute(id tree.NodeID, name, value string) error {
	if err := d.tree.SetAttribute(id, name, &value); err != nil {
		return err
	}
	if d.tree.Connected(id) {
		d.notify(AttributeModified{Node: id, Name: name, Value: &value})
	}
	return nil
}

// RemoveAttribute removes an attribute. Removing an absent attribute is a
// no-op and raises nothing.
func (d *Document) RemoveAttribute(id tree.NodeID, name string) error {
	n, ok := d.tree.Node(id)
	if !ok {
		return fmt.Errorf("node %d: %w", id, tree.ErrUnknownNode)
	}
	if _, present := n.Attributes.Get(name); !present {
		return nil
	}
	if err := d.tree.SetAttribute(id, name, nil); err != nil {
		return err
	}
	if d.tree.Connected(id) {
		d.notify(AttributeModified{Node: id, Name: name})
	}
	return nil
}

// SetText replaces the content of a text node.
func (d *Document) SetText(id tree.NodeID, text string) error {
	if err := d.tree.SetText(id, text); err != nil {
		return err
	}
	if d.tree.Connected(id) {
		d.notify(TextModified{Node: id, Text: text})
	}
	return nil
}

// Apply replays records produced outside this document straight onto the
// tree. Listeners are not notified; the caller forwards the records itself.
// IDs carried by inserted subtrees are reserved in the allocator.
//
// Apply is all or nothing: the batch is replayed on a copy first, and a
// batch with any record that cannot be applied leaves the document as it
// was.
func (d *Document) Apply(records []mutation.Record) error {
	if err := mutation.Apply(d.tree.Clone(), records); err != nil {
		return err
	}
	for _, rec := range records {
		c, ok := rec.(mutation.ChildListChange)
		if !ok {
			continue
		}
		for _, s := range c.AddedNodes {
			s.Walk(func(n tree.Subtree) { d.alloc.Observe(n.ID) })
		}
	}
	return mutation.Apply(d.tree, records)
}

// FindByAttribute returns connected elements whose attribute name equals
// value, in document order.
func (d *Document) FindByAttribute(name, value string) []tree.NodeID {
	var out []tree.NodeID
	d.Snapshot().Walk(func(s tree.Subtree) {
		if v, ok := s.Attributes.Get(name); ok && v == value {
			out = append(out, s.ID)
		}
	})
	return out
}
