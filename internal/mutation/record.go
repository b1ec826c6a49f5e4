// Package mutation defines the records that describe changes to a tree, the
// merger that coalesces them within one tick, and Apply, which replays them
// onto a tree.
//
// Record is a closed set: ChildListChange, AttributesChange and TextChange.
// Every ID in a record is a stable node ID, never a position.
package mutation

import (
	"fmt"

	"github.com/treesync/host/internal/tree"
)

// Record is one change to a tree. The set of implementations is closed.
type Record interface {
	// Target is the node the change applies to.
	Target() tree.NodeID
	isRecord()
}

// ChildListChange inserts and/or removes children of TargetID.
//
// Removals are applied first. AddedNodes are then inserted in order directly
// after PreviousSiblingID (tree.NoNode inserts at the head). Each added node
// carries its complete subtree.
type ChildListChange struct {
	TargetID          tree.NodeID
	PreviousSiblingID tree.NodeID
	AddedNodes        []tree.Subtree
	RemovedNodeIDs    []tree.NodeID
}

// AttributeUpdate is a single attribute write. A nil Value removes the
// attribute.
type AttributeUpdate struct {
	Name  string
	Value *string
}

// AttributesChange sets or removes attributes on TargetID, in order.
// A raw observer record always has exactly one update; the merger may fold
// several into one record.
type AttributesChange struct {
	TargetID   tree.NodeID
	Attributes []AttributeUpdate
}

// TextChange replaces the content of a text node.
type TextChange struct {
	TargetID tree.NodeID
	Text     string
}

func (c ChildListChange) Target() tree.NodeID  { return c.TargetID }
func (c AttributesChange) Target() tree.NodeID { return c.TargetID }
func (c TextChange) Target() tree.NodeID       { return c.TargetID }

func (ChildListChange) isRecord()  {}
func (AttributesChange) isRecord() {}
func (TextChange) isRecord()       {}

// SetAttribute builds a single-attribute change.
func SetAttribute(id tree.NodeID, name, value string) AttributesChange {
	return AttributesChange{TargetID: id, Attributes: []AttributeUpdate{{Name: name, Value: &value}}}
}

// RemoveAttribute builds a single-attribute removal.
func RemoveAttribute(id tree.NodeID, name string) AttributesChange {
	return AttributesChange{TargetID: id, Attributes: []AttributeUpdate{{Name: name}}}
}

// Apply replays records onto t in order. It stops at the first record that
// cannot be applied; for a mirror that is a desync and the caller should
// resynchronise from a snapshot rather than try to repair.
func Apply(t *tree.Tree, records []Record) error {
	for i, rec := range records {
		if err := ApplyOne(t, rec); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// ApplyOne replays a single record onto t.
func ApplyOne(t *tree.Tree, rec Record) error {
	switch r := rec.(type) {
	case ChildListChange:
		if len(r.RemovedNodeIDs) > 0 {
			if err := t.Remove(r.TargetID, r.RemovedNodeIDs); err != nil {
				return err
			}
		}
		if len(r.AddedNodes) > 0 {
			return t.InsertAfter(r.TargetID, r.PreviousSiblingID, r.AddedNodes)
		}
		if len(r.RemovedNodeIDs) == 0 && !t.Has(r.TargetID) {
			return fmt.Errorf("empty child list change on node %d: %w", r.TargetID, tree.ErrUnknownNode)
		}
		return nil
	case AttributesChange:
		for _, u := range r.Attributes {
			if err := t.SetAttribute(r.TargetID, u.Name, u.Value); err != nil {
				return err
			}
		}
		return nil
	case TextChange:
		return t.SetText(r.TargetID, r.Text)
	default:
		return fmt.Errorf("unsupported record %T", rec)
	}
}
