package document

import "github.com/treesync/host/internal/tree"

// Notification is a native change event raised by a Document. It is the
// host-side equivalent of a DOM mutation callback and is deliberately loose:
// the observer package turns it into a replication record.
type Notification interface {
	isNotification()
}

// ChildInserted is raised after Node was linked under Parent.
type ChildInserted struct {
	Parent tree.NodeID
	Node   tree.NodeID
}

// ChildRemoved is raised after Node was unlinked from Parent.
// PreviousSibling is the sibling that preceded it before removal.
type ChildRemoved struct {
	Parent          tree.NodeID
	Node            tree.NodeID
	PreviousSibling tree.NodeID
}

// AttributeModified is raised after an attribute write. Value is nil for
// a removal.
type AttributeModified struct {
	Node  tree.NodeID
	Name  string
	Value *string
}

// TextModified is raised after a text node changed.
type TextModified struct {
	Node tree.NodeID
	Text string
}

// Reset is raised after the whole document was replaced.
type Reset struct{}

func (ChildInserted) isNotification()     {}
func (ChildRemoved) isNotification()      {}
func (AttributeModified) isNotification() {}
func (TextModified) isNotification()      {}
func (Reset) isNotification()             {}
