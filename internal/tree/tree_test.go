package tree

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func str(s string) *string { return &s }

func sampleTree(t *testing.T) *Tree {
	t.Helper()
	tr, err := FromSubtree(Element(RootID, "root", nil,
		Element(2, "a", Attributes{{Name: "id", Value: "1"}}),
		Element(3, "list", nil,
			TextNode(4, "hello"),
		),
	))
	if err != nil {
		t.Fatalf("FromSubtree: %v", err)
	}
	return tr
}

func TestAllocatorNeverReuses(t *testing.T) {
	a := NewAllocator()
	first := a.Next()
	second := a.Next()
	if first != FirstID || second != FirstID+1 {
		t.Fatalf("unexpected ids %d %d", first, second)
	}

	a.Observe(10)
	if got := a.Next(); got != 11 {
		t.Fatalf("after Observe(10) expected 11, got %d", got)
	}

	a.Reset()
	if got := a.Next(); got != FirstID {
		t.Fatalf("after Reset expected %d, got %d", FirstID, got)
	}
}

func TestInsertAfterHeadAndMiddle(t *testing.T) {
	tr := sampleTree(t)

	if err := tr.InsertAfter(RootID, NoNode, []Subtree{Element(5, "head", nil)}); err != nil {
		t.Fatalf("insert at head: %v", err)
	}
	if err := tr.InsertAfter(RootID, 2, []Subtree{Element(6, "b", nil), Element(7, "c", nil)}); err != nil {
		t.Fatalf("insert after a: %v", err)
	}

	root, _ := tr.Node(RootID)
	assert.Equal(t, root.Children, []NodeID{5, 2, 6, 7, 3})

	p, ok := tr.Parent(7)
	assert.Equal(t, ok, true)
	assert.Equal(t, p, RootID)
	assert.Equal(t, tr.PreviousSibling(7), NodeID(6))
}

func TestInsertRejectsUnknownAndDuplicate(t *testing.T) {
	tr := sampleTree(t)

	err := tr.InsertAfter(99, NoNode, []Subtree{Element(5, "x", nil)})
	if !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}

	err = tr.InsertAfter(RootID, 4, []Subtree{Element(5, "x", nil)})
	if !errors.Is(err, ErrNotChild) {
		t.Fatalf("expected ErrNotChild for grandchild sibling, got %v", err)
	}

	err = tr.InsertAfter(RootID, NoNode, []Subtree{Element(3, "dup", nil)})
	if !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}

	// Nothing was applied by the failed inserts.
	assert.Equal(t, tr.Len(), 4)
}

func TestRemoveDropsDescendants(t *testing.T) {
	tr := sampleTree(t)

	if err := tr.Remove(RootID, []NodeID{3}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	assert.Equal(t, tr.Has(3), false)
	assert.Equal(t, tr.Has(4), false)
	assert.Equal(t, tr.Len(), 2)

	if err := tr.Remove(RootID, []NodeID{3}); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode on second remove, got %v", err)
	}
}

func TestAttachRejectsCycles(t *testing.T) {
	tr := sampleTree(t)
	if err := tr.Create(Element(10, "outer", nil, Element(11, "inner", nil))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := tr.Attach(11, NoNode, 10); !errors.Is(err, ErrAttached) {
		t.Fatalf("expected ErrAttached for cycle, got %v", err)
	}
	if err := tr.Attach(RootID, 3, 10); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !tr.Connected(11) {
		t.Fatal("inner should be connected after attaching outer")
	}
}

func TestAttributesKeepOrder(t *testing.T) {
	tr := sampleTree(t)

	if err := tr.SetAttribute(2, "color", str("red")); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetAttribute(2, "id", str("one")); err != nil {
		t.Fatal(err)
	}
	n, _ := tr.Node(2)
	assert.Equal(t, n.Attributes, Attributes{{Name: "id", Value: "one"}, {Name: "color", Value: "red"}})

	if err := tr.SetAttribute(2, "id", nil); err != nil {
		t.Fatal(err)
	}
	n, _ = tr.Node(2)
	assert.Equal(t, n.Attributes, Attributes{{Name: "color", Value: "red"}})

	if err := tr.SetAttribute(4, "x", str("y")); !errors.Is(err, ErrNotElement) {
		t.Fatalf("expected ErrNotElement on text node, got %v", err)
	}
}

func TestCloneAndEqual(t *testing.T) {
	tr := sampleTree(t)
	c := tr.Clone()
	if !tr.Equal(c) {
		t.Fatal("clone should be equal")
	}
	if err := c.SetText(4, "changed"); err != nil {
		t.Fatal(err)
	}
	if tr.Equal(c) {
		t.Fatal("clone mutation leaked or Equal ignored text")
	}
	n, _ := tr.Node(4)
	assert.Equal(t, n.Text, "hello")
}

func TestParseAndRenderMarkup(t *testing.T) {
	alloc := NewAllocator()
	s, err := ParseMarkup(strings.NewReader(`<a id="1"></a>
  <b id="2">hi <i>there</i></b>`), "", alloc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	assert.Equal(t, s.ID, RootID)
	assert.Equal(t, s.Tag, DefaultRootTag)
	assert.Equal(t, len(s.Children), 2)
	assert.Equal(t, s.Children[0].ID, FirstID)
	assert.Equal(t, s.Count(), 6)

	got := MarkupString(s)
	want := `<root><a id="1"></a><b id="2">hi <i>there</i></b></root>`
	assert.Equal(t, got, want)
}
