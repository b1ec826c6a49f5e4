package tree

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrUnknownNode is returned when an operation references an ID that is
	// not present in the arena. For a client mirror this means desync.
	ErrUnknownNode = errors.New("unknown node")

	// ErrDuplicateNode is returned when an inserted subtree reuses a live ID.
	ErrDuplicateNode = errors.New("duplicate node id")

	// ErrNotElement is returned when children or attributes are requested
	// on a text node, or text is set on an element.
	ErrNotElement = errors.New("wrong node kind")

	// ErrNotChild is returned when a sibling or removed node is not a child
	// of the given parent.
	ErrNotChild = errors.New("node is not a child of parent")

	// ErrAttached is returned when attaching a node that already has a parent
	// (or would create a cycle).
	ErrAttached = errors.New("node is already attached")
)

// Tree is an arena of nodes with a single root.
//
// Nodes may also live in the arena detached (no parent, not the root). The
// authoritative document uses this for nodes that have been created but not
// yet inserted, and for moves. A client mirror never holds detached nodes.
//
// Tree is not safe for concurrent use.
type Tree struct {
	nodes  map[NodeID]*Node
	parent map[NodeID]NodeID
	root   NodeID
}

// New returns a tree holding only an empty root element.
func New(rootTag string) *Tree {
	t := &Tree{}
	t.clear()
	t.nodes[RootID] = &Node{ID: RootID, Kind: KindElement, Tag: rootTag}
	t.root = RootID
	return t
}

// FromSubtree builds a tree whose root is s.
func FromSubtree(s Subtree) (*Tree, error) {
	t := &Tree{}
	if err := t.Reset(s); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) clear() {
	t.nodes = make(map[NodeID]*Node)
	t.parent = make(map[NodeID]NodeID)
	t.root = NoNode
}

// Reset discards every node and rebuilds the tree from s.
func (t *Tree) Reset(s Subtree) error {
	t.clear()
	if s.IsText() {
		return fmt.Errorf("root %d: %w", s.ID, ErrNotElement)
	}
	if err := t.create(s); err != nil {
		t.clear()
		return err
	}
	t.root = s.ID
	return nil
}

// Root returns the ID of the root node.
func (t *Tree) Root() NodeID { return t.root }

// Len returns the number of nodes held in the arena, detached ones included.
func (t *Tree) Len() int { return len(t.nodes) }

// Has reports whether id is in the arena.
func (t *Tree) Has(id NodeID) bool {
	_, ok := t.nodes[id]
	return ok
}

// Node returns the node for id. The returned node must be treated as read-only.
func (t *Tree) Node(id NodeID) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

func (t *Tree) lookup(id NodeID) (*Node, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, ErrUnknownNode)
	}
	return n, nil
}

func (t *Tree) element(id NodeID) (*Node, error) {
	n, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	if n.IsText() {
		return nil, fmt.Errorf("node %d is text: %w", id, ErrNotElement)
	}
	return n, nil
}

// Parent returns the parent of id, if attached.
func (t *Tree) Parent(id NodeID) (NodeID, bool) {
	p, ok := t.parent[id]
	return p, ok
}

// Connected reports whether id is reachable from the root.
func (t *Tree) Connected(id NodeID) bool {
	if _, ok := t.nodes[id]; !ok {
		return false
	}
	for id != t.root {
		p, ok := t.parent[id]
		if !ok {
			return false
		}
		id = p
	}
	return true
}

// PreviousSibling returns the sibling immediately before id, or NoNode.
func (t *Tree) PreviousSibling(id NodeID) NodeID {
	p, ok := t.parent[id]
	if !ok {
		return NoNode
	}
	siblings := t.nodes[p].Children
	i := slices.Index(siblings, id)
	if i <= 0 {
		return NoNode
	}
	return siblings[i-1]
}

// Subtree serialises id and its descendants.
func (t *Tree) Subtree(id NodeID) (Subtree, error) {
	n, err := t.lookup(id)
	if err != nil {
		return Subtree{}, err
	}
	return t.subtree(n), nil
}

func (t *Tree) subtree(n *Node) Subtree {
	if n.IsText() {
		text := n.Text
		return Subtree{ID: n.ID, Text: &text}
	}
	s := Subtree{ID: n.ID, Tag: n.Tag, Attributes: n.Attributes.Clone()}
	if len(n.Children) > 0 {
		s.Children = make([]Subtree, 0, len(n.Children))
		for _, c := range n.Children {
			s.Children = append(s.Children, t.subtree(t.nodes[c]))
		}
	}
	return s
}

// Snapshot serialises the whole tree from the root.
func (t *Tree) Snapshot() Subtree {
	root, ok := t.nodes[t.root]
	if !ok {
		return Subtree{}
	}
	return t.subtree(root)
}

// Clone returns a deep copy of the tree, detached nodes included.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		nodes:  make(map[NodeID]*Node, len(t.nodes)),
		parent: make(map[NodeID]NodeID, len(t.parent)),
		root:   t.root,
	}
	for id, n := range t.nodes {
		cp := *n
		cp.Attributes = n.Attributes.Clone()
		cp.Children = slices.Clone(n.Children)
		c.nodes[id] = &cp
	}
	for id, p := range t.parent {
		c.parent[id] = p
	}
	return c
}

// Equal reports whether both trees serialise to the same snapshot, IDs
// included. Detached nodes are ignored.
func (t *Tree) Equal(o *Tree) bool {
	return SubtreeEqual(t.Snapshot(), o.Snapshot())
}

// SubtreeEqual compares two subtrees structurally.
func SubtreeEqual(a, b Subtree) bool {
	if a.ID != b.ID || a.IsText() != b.IsText() {
		return false
	}
	if a.IsText() {
		return *a.Text == *b.Text
	}
	if a.Tag != b.Tag || len(a.Attributes) != len(b.Attributes) || len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Attributes {
		if a.Attributes[i] != b.Attributes[i] {
			return false
		}
	}
	for i := range a.Children {
		if !SubtreeEqual(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// Create adds s to the arena as a detached subtree.
func (t *Tree) Create(s Subtree) error {
	if err := t.checkFree(s, make(map[NodeID]struct{})); err != nil {
		return err
	}
	return t.create(s)
}

func (t *Tree) checkFree(s Subtree, seen map[NodeID]struct{}) error {
	if s.ID == NoNode {
		return fmt.Errorf("node id 0: %w", ErrDuplicateNode)
	}
	if _, ok := t.nodes[s.ID]; ok {
		return fmt.Errorf("node %d: %w", s.ID, ErrDuplicateNode)
	}
	if _, ok := seen[s.ID]; ok {
		return fmt.Errorf("node %d repeated: %w", s.ID, ErrDuplicateNode)
	}
	seen[s.ID] = struct{}{}
	for _, c := range s.Children {
		if err := t.checkFree(c, seen); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) create(s Subtree) error {
	if _, ok := t.nodes[s.ID]; ok || s.ID == NoNode {
		return fmt.Errorf("node %d: %w", s.ID, ErrDuplicateNode)
	}
	if s.IsText() {
		t.nodes[s.ID] = &Node{ID: s.ID, Kind: KindText, Text: *s.Text}
		return nil
	}
	n := &Node{ID: s.ID, Kind: KindElement, Tag: s.Tag, Attributes: s.Attributes.Clone()}
	t.nodes[s.ID] = n
	for _, c := range s.Children {
		if err := t.create(c); err != nil {
			return err
		}
		n.Children = append(n.Children, c.ID)
		t.parent[c.ID] = s.ID
	}
	return nil
}

// Attach inserts the detached node id into parent directly after previous
// (NoNode inserts at the head).
func (t *Tree) Attach(parent, previous, id NodeID) error {
	p, err := t.element(parent)
	if err != nil {
		return err
	}
	if _, err := t.lookup(id); err != nil {
		return err
	}
	if _, ok := t.parent[id]; ok || id == t.root {
		return fmt.Errorf("node %d: %w", id, ErrAttached)
	}
	for a := parent; ; {
		if a == id {
			return fmt.Errorf("node %d is an ancestor of %d: %w", id, parent, ErrAttached)
		}
		next, ok := t.parent[a]
		if !ok {
			break
		}
		a = next
	}
	at := 0
	if previous != NoNode {
		i := slices.Index(p.Children, previous)
		if i < 0 {
			if !t.Has(previous) {
				return fmt.Errorf("previous sibling %d: %w", previous, ErrUnknownNode)
			}
			return fmt.Errorf("previous sibling %d of %d: %w", previous, parent, ErrNotChild)
		}
		at = i + 1
	}
	p.Children = slices.Insert(p.Children, at, id)
	t.parent[id] = parent
	return nil
}

// Detach unlinks id from its parent but keeps it (and its descendants) in
// the arena.
func (t *Tree) Detach(id NodeID) error {
	if _, err := t.lookup(id); err != nil {
		return err
	}
	parent, ok := t.parent[id]
	if !ok {
		return nil
	}
	p := t.nodes[parent]
	p.Children = slices.DeleteFunc(p.Children, func(c NodeID) bool { return c == id })
	delete(t.parent, id)
	return nil
}

// Delete detaches id and drops it and all descendants from the arena.
func (t *Tree) Delete(id NodeID) error {
	if id == t.root {
		return fmt.Errorf("cannot delete root %d: %w", id, ErrAttached)
	}
	if err := t.Detach(id); err != nil {
		return err
	}
	t.drop(id)
	return nil
}

func (t *Tree) drop(id NodeID) {
	n := t.nodes[id]
	for _, c := range n.Children {
		delete(t.parent, c)
		t.drop(c)
	}
	delete(t.nodes, id)
}

// InsertAfter creates nodes (in order) as children of parent, the first one
// directly after previous. It validates everything before mutating.
func (t *Tree) InsertAfter(parent, previous NodeID, nodes []Subtree) error {
	p, err := t.element(parent)
	if err != nil {
		return err
	}
	if previous != NoNode && !slices.Contains(p.Children, previous) {
		if !t.Has(previous) {
			return fmt.Errorf("previous sibling %d: %w", previous, ErrUnknownNode)
		}
		return fmt.Errorf("previous sibling %d of %d: %w", previous, parent, ErrNotChild)
	}
	seen := make(map[NodeID]struct{})
	for _, s := range nodes {
		if err := t.checkFree(s, seen); err != nil {
			return err
		}
	}
	prev := previous
	for _, s := range nodes {
		if err := t.create(s); err != nil {
			return err
		}
		if err := t.Attach(parent, prev, s.ID); err != nil {
			return err
		}
		prev = s.ID
	}
	return nil
}

// Remove deletes each id, all of which must be children of parent.
func (t *Tree) Remove(parent NodeID, ids []NodeID) error {
	if _, err := t.element(parent); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := t.lookup(id); err != nil {
			return err
		}
		if p, ok := t.parent[id]; !ok || p != parent {
			return fmt.Errorf("removed node %d of %d: %w", id, parent, ErrNotChild)
		}
	}
	for _, id := range ids {
		if err := t.Delete(id); err != nil {
			return err
		}
	}
	return nil
}

// SetAttribute sets name on element id; a nil value removes it.
func (t *Tree) SetAttribute(id NodeID, name string, value *string) error {
	n, err := t.element(id)
	if err != nil {
		return err
	}
	if value == nil {
		n.Attributes = n.Attributes.Remove(name)
	} else {
		n.Attributes = n.Attributes.Set(name, *value)
	}
	return nil
}

// SetText replaces the content of text node id.
func (t *Tree) SetText(id NodeID, text string) error {
	n, err := t.lookup(id)
	if err != nil {
		return err
	}
	if !n.IsText() {
		return fmt.Errorf("node %d is an element: %w", id, ErrNotElement)
	}
	n.Text = text
	return nil
}
