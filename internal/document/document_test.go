package document

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/tree"
)

type recorder struct {
	seen []Notification
}

func (r *recorder) Notify(_ *Document, n Notification) { r.seen = append(r.seen, n) }

func mustParse(t *testing.T, markup string) *Document {
	t.Helper()
	d, err := Parse(strings.NewReader(markup), "")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return d
}

func TestDetachedNodesRaiseNothing(t *testing.T) {
	d := New("")
	rec := &recorder{}
	d.Observe(rec)

	ul := d.CreateElement("ul")
	li := d.CreateElement("li", tree.Attribute{Name: "class", Value: "x"})
	txt := d.CreateText("hello")
	if err := d.AppendChild(ul, li); err != nil {
		t.Fatal(err)
	}
	if err := d.AppendChild(li, txt); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAttribute(li, "class", "y"); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(rec.seen), 0)

	if err := d.AppendChild(d.Root(), ul); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(rec.seen), 1)
	assert.Equal(t, rec.seen[0], ChildInserted{Parent: d.Root(), Node: ul})
	assert.Equal(t, d.Markup(), `<root><ul><li class="y">hello</li></ul></root>`)
}

func TestMoveIsRemoveThenInsert(t *testing.T) {
	d := mustParse(t, `<a></a><b></b><c></c>`)
	rec := &recorder{}
	d.Observe(rec)

	root, _ := d.Node(d.Root())
	a, c := root.Children[0], root.Children[2]
	if err := d.AppendChild(d.Root(), a); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(rec.seen), 2)
	assert.Equal(t, rec.seen[0], ChildRemoved{Parent: d.Root(), Node: a})
	assert.Equal(t, rec.seen[1], ChildInserted{Parent: d.Root(), Node: a})

	root, _ = d.Node(d.Root())
	assert.Equal(t, root.Children[2], a)
	assert.Equal(t, d.Tree().PreviousSibling(a), c)
}

func TestInsertRejectionsLeaveTreeUntouched(t *testing.T) {
	d := mustParse(t, `<div><span></span></div>`)
	rec := &recorder{}
	d.Observe(rec)

	root, _ := d.Node(d.Root())
	div := root.Children[0]
	divNode, _ := d.Node(div)
	span := divNode.Children[0]

	err := d.AppendChild(span, div)
	if !errors.Is(err, tree.ErrAttached) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	err = d.InsertAfter(d.Root(), d.CreateElement("p"), span)
	if !errors.Is(err, tree.ErrNotChild) {
		t.Fatalf("expected ErrNotChild, got %v", err)
	}
	err = d.AppendChild(d.Root(), d.Root())
	if !errors.Is(err, tree.ErrAttached) {
		t.Fatalf("expected root rejection, got %v", err)
	}
	assert.Equal(t, len(rec.seen), 0)
	assert.Equal(t, d.Markup(), `<root><div><span></span></div></root>`)
}

func TestRemoveChildNeverReissuesID(t *testing.T) {
	d := mustParse(t, `<p>one</p>`)
	root, _ := d.Node(d.Root())
	p := root.Children[0]
	if err := d.RemoveChild(d.Root(), p); err != nil {
		t.Fatal(err)
	}
	if d.Tree().Has(p) {
		t.Fatal("removed node still in arena")
	}
	next := d.CreateElement("p")
	if next <= p {
		t.Fatalf("id %d reissued after %d", next, p)
	}
	if err := d.RemoveChild(d.Root(), p); !errors.Is(err, tree.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestAttributeAndTextNotifications(t *testing.T) {
	d := mustParse(t, `<p id="1">one</p>`)
	rec := &recorder{}
	d.Observe(rec)

	root, _ := d.Node(d.Root())
	p := root.Children[0]
	pNode, _ := d.Node(p)
	text := pNode.Children[0]

	if err := d.RemoveAttribute(p, "missing"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAttribute(p, "color", "red"); err != nil {
		t.Fatal(err)
	}
	if err := d.RemoveAttribute(p, "id"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetText(text, "two"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetText(p, "nope"); !errors.Is(err, tree.ErrNotElement) {
		t.Fatalf("expected ErrNotElement, got %v", err)
	}

	assert.Equal(t, len(rec.seen), 3)
	set := rec.seen[0].(AttributeModified)
	assert.Equal(t, *set.Value, "red")
	removed := rec.seen[1].(AttributeModified)
	if removed.Value != nil {
		t.Fatal("removal should carry a nil value")
	}
	assert.Equal(t, rec.seen[2], TextModified{Node: text, Text: "two"})
	assert.Equal(t, d.Markup(), `<root><p color="red">two</p></root>`)
}

func TestLoadResetsAllocation(t *testing.T) {
	d := mustParse(t, `<a></a><b></b>`)
	rec := &recorder{}
	d.Observe(rec)
	d.CreateElement("x")

	if err := d.Load(strings.NewReader(`<c></c>`)); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, rec.seen, []Notification{Reset{}})
	root, _ := d.Node(d.Root())
	assert.Equal(t, root.Children, []tree.NodeID{tree.FirstID})
	assert.Equal(t, d.CreateElement("y"), tree.FirstID+1)
}

func TestReplaceChildrenAndFind(t *testing.T) {
	d := mustParse(t, `<ul id="list"><li>1</li><li>2</li></ul>`)
	list := d.FindByAttribute("id", "list")
	assert.Equal(t, len(list), 1)

	ids, err := d.ParseFragment(`<li>3</li>`)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ReplaceChildren(list[0], ids...); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, d.Markup(), `<root><ul id="list"><li>3</li></ul></root>`)
}

func TestApplyFailureLeavesDocumentUntouched(t *testing.T) {
	d := mustParse(t, `<p>a</p>`)
	p := d.Snapshot().Children[0].ID

	err := d.Apply([]mutation.Record{
		mutation.ChildListChange{TargetID: d.Root(), PreviousSiblingID: p, AddedNodes: []tree.Subtree{tree.Element(50, "em", nil)}},
		mutation.SetAttribute(9999, "class", "x"),
	})
	if !errors.Is(err, tree.ErrUnknownNode) {
		t.Fatalf("Apply err = %v, want ErrUnknownNode", err)
	}
	assert.Equal(t, d.Markup(), `<root><p>a</p></root>`)
	if _, ok := d.Node(50); ok {
		t.Fatal("node 50 left behind by a rejected batch")
	}
	if id := d.CreateElement("i"); id >= 50 {
		t.Fatalf("rejected batch reserved IDs: next is %d", id)
	}
}
