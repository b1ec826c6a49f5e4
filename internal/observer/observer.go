// Package observer turns a Document's native change notifications into
// mutation records.
//
// Records are produced in exactly the order the changes were applied, each
// insertion captures the complete subtree being inserted, and positions are
// expressed as a previous-sibling ID rather than an index. A consumer that
// applies the records in order therefore passes through every intermediate
// state of the document.
package observer

import (
	"github.com/golang/glog"

	"github.com/treesync/host/internal/document"
	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/tree"
)

// Batch is everything observed since the last Take.
type Batch struct {
	Records []mutation.Record

	// Reset is set when the document was replaced wholesale. Records
	// observed before the reset are discarded; consumers must resend a
	// snapshot instead of diffs.
	Reset bool
}

// Observer buffers records for one document. It must only be used from the
// goroutine that mutates the document.
type Observer struct {
	records []mutation.Record
	reset   bool
}

// New returns an Observer not yet attached to anything.
func New() *Observer {
	return &Observer{}
}

// Attach creates an Observer and registers it on d.
func Attach(d *document.Document) *Observer {
	o := New()
	d.Observe(o)
	return o
}

// Notify implements document.Listener.
func (o *Observer) Notify(d *document.Document, n document.Notification) {
	switch n := n.(type) {
	case document.ChildInserted:
		s, err := d.Tree().Subtree(n.Node)
		if err != nil {
			// The document raised an insert for a node it does not hold.
			glog.Errorf("observer: insert of %d under %d: %v", n.Node, n.Parent, err)
			return
		}
		o.records = append(o.records, mutation.ChildListChange{
			TargetID:          n.Parent,
			PreviousSiblingID: d.Tree().PreviousSibling(n.Node),
			AddedNodes:        []tree.Subtree{s},
		})

	case document.ChildRemoved:
		o.records = append(o.records, mutation.ChildListChange{
			TargetID:          n.Parent,
			PreviousSiblingID: n.PreviousSibling,
			RemovedNodeIDs:    []tree.NodeID{n.Node},
		})

	case document.AttributeModified:
		u := mutation.AttributeUpdate{Name: n.Name}
		if n.Value != nil {
			v := *n.Value
			u.Value = &v
		}
		o.records = append(o.records, mutation.AttributesChange{
			TargetID:   n.Node,
			Attributes: []mutation.AttributeUpdate{u},
		})

	case document.TextModified:
		o.records = append(o.records, mutation.TextChange{TargetID: n.Node, Text: n.Text})

	case document.Reset:
		o.records = nil
		o.reset = true
	}
}

// Len returns the number of buffered records.
func (o *Observer) Len() int { return len(o.records) }

// Pending reports whether Take would return anything.
func (o *Observer) Pending() bool { return len(o.records) > 0 || o.reset }

// Take drains the buffer.
func (o *Observer) Take() Batch {
	b := Batch{Records: o.records, Reset: o.reset}
	o.records = nil
	o.reset = false
	return b
}

// Resetting reports whether the document was replaced since the last Take.
func (o *Observer) Resetting() bool { return o.reset }
