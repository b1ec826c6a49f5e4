package tree

import "sync/atomic"

// Allocator hands out node IDs for one tree instance.
//
// IDs increase monotonically from FirstID and are never recycled, even after
// the node they named is removed. A diff that arrives late and references a
// removed ID is therefore unambiguously stale instead of silently matching a
// newer node. Reset is the only way to start over, and it must be paired with
// a fresh snapshot to every observer.
type Allocator struct {
	next atomic.Uint32
}

// NewAllocator returns an allocator whose first ID is FirstID.
func NewAllocator() *Allocator {
	a := &Allocator{}
	a.Reset()
	return a
}

// Next returns a new, never before issued ID.
func (a *Allocator) Next() NodeID {
	return NodeID(a.next.Add(1) - 1)
}

// Peek returns the ID the next call to Next will return.
func (a *Allocator) Peek() NodeID {
	return NodeID(a.next.Load())
}

// Reset restarts allocation at FirstID. Only valid on a full tree reset.
func (a *Allocator) Reset() {
	a.next.Store(uint32(FirstID))
}

// Observe ensures future IDs are greater than id. It is used when a tree is
// built from a subtree that already carries IDs.
func (a *Allocator) Observe(id NodeID) {
	for {
		cur := a.next.Load()
		if uint32(id) < cur {
			return
		}
		if a.next.CompareAndSwap(cur, uint32(id)+1) {
			return
		}
	}
}
