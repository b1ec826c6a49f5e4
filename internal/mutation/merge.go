package mutation

import (
	"slices"

	"github.com/treesync/host/internal/tree"
)

// Merge coalesces records produced within one tick into an equal or smaller
// list that produces the same tree when applied in order.
//
// It is a greedy single pass: a record only ever merges into the record
// retained immediately before it, and nothing is reordered. Two patterns
// merge:
//
//   - append streaming: a ChildListChange on the same target whose
//     PreviousSiblingID is the last node added by the preceding change, and
//     which removes nothing, extends the preceding AddedNodes.
//   - attribute churn: consecutive AttributesChange records on the same
//     target fold into one, later writes to a key replacing earlier ones.
//     A set that follows a removal of the same key is not folded, because
//     the re-added attribute lands at the end of the list and folding would
//     keep it at its old position.
//
// Text changes, removals and everything else pass through untouched. The
// input slice and its records are not modified.
func Merge(records []Record) []Record {
	if len(records) <= 1 {
		return records
	}

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if n := len(out); n > 0 {
			if merged, ok := mergePair(out[n-1], rec); ok {
				out[n-1] = merged
				continue
			}
		}
		out = append(out, rec)
	}
	return out
}

func mergePair(prev, cur Record) (Record, bool) {
	switch p := prev.(type) {
	case ChildListChange:
		c, ok := cur.(ChildListChange)
		if !ok || c.TargetID != p.TargetID || len(c.RemovedNodeIDs) > 0 || len(p.AddedNodes) == 0 {
			return nil, false
		}
		if c.PreviousSiblingID != p.AddedNodes[len(p.AddedNodes)-1].ID {
			return nil, false
		}
		added := make([]tree.Subtree, 0, len(p.AddedNodes)+len(c.AddedNodes))
		added = append(added, p.AddedNodes...)
		added = append(added, c.AddedNodes...)
		p.AddedNodes = added
		p.RemovedNodeIDs = slices.Clone(p.RemovedNodeIDs)
		return p, true

	case AttributesChange:
		c, ok := cur.(AttributesChange)
		if !ok || c.TargetID != p.TargetID {
			return nil, false
		}
		updates := slices.Clone(p.Attributes)
		for _, u := range c.Attributes {
			i := slices.IndexFunc(updates, func(e AttributeUpdate) bool { return e.Name == u.Name })
			if i < 0 {
				updates = append(updates, u)
				continue
			}
			if updates[i].Value == nil && u.Value != nil {
				return nil, false
			}
			updates[i] = u
		}
		p.Attributes = updates
		return p, true
	}
	return nil, false
}
