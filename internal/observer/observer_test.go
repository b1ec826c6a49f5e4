package observer

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/treesync/host/internal/document"
	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/tree"
)

func TestConcreteScenario(t *testing.T) {
	d, err := document.Parse(strings.NewReader(`<a id="1"></a>`), "")
	if err != nil {
		t.Fatal(err)
	}
	o := Attach(d)

	a := d.FindByAttribute("id", "1")[0]
	b := d.CreateElement("b", tree.Attribute{Name: "id", Value: "2"})
	if err := d.InsertAfter(d.Root(), b, a); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAttribute(a, "color", "red"); err != nil {
		t.Fatal(err)
	}

	batch := o.Take()
	records := mutation.Merge(batch.Records)
	assert.Equal(t, len(records), 2)

	insert := records[0].(mutation.ChildListChange)
	assert.Equal(t, insert.TargetID, d.Root())
	assert.Equal(t, insert.PreviousSiblingID, a)
	assert.Equal(t, len(insert.AddedNodes), 1)
	assert.Equal(t, insert.AddedNodes[0].ID, b)
	assert.Equal(t, insert.AddedNodes[0].Tag, "b")

	attrs := records[1].(mutation.AttributesChange)
	assert.Equal(t, attrs.TargetID, a)
	assert.Equal(t, len(attrs.Attributes), 1)
	assert.Equal(t, attrs.Attributes[0].Name, "color")
	assert.Equal(t, *attrs.Attributes[0].Value, "red")

	assert.Equal(t, d.Markup(), `<root><a id="1" color="red"></a><b id="2"></b></root>`)
	assert.Equal(t, o.Pending(), false)
}

func TestInsertCapturesSubtreeAtInsertTime(t *testing.T) {
	d := document.New("")
	o := Attach(d)

	ul := d.CreateElement("ul")
	li := d.CreateElement("li")
	if err := d.AppendChild(ul, li); err != nil {
		t.Fatal(err)
	}
	if err := d.AppendChild(d.Root(), ul); err != nil {
		t.Fatal(err)
	}
	if err := d.SetAttribute(li, "class", "late"); err != nil {
		t.Fatal(err)
	}

	records := o.Take().Records
	assert.Equal(t, len(records), 2)
	added := records[0].(mutation.ChildListChange).AddedNodes[0]
	assert.Equal(t, added.Count(), 2)
	assert.Equal(t, len(added.Children[0].Attributes), 0)
}

func TestResetDiscardsPending(t *testing.T) {
	d := document.New("")
	o := Attach(d)
	if err := d.AppendChild(d.Root(), d.CreateElement("p")); err != nil {
		t.Fatal(err)
	}
	if err := d.Load(strings.NewReader(`<q></q>`)); err != nil {
		t.Fatal(err)
	}
	b := o.Take()
	assert.Equal(t, b.Reset, true)
	assert.Equal(t, len(b.Records), 0)
	assert.Equal(t, o.Take().Reset, false)
}

// mutator applies random DOM operations to a document.
type mutator struct {
	d   *document.Document
	rnd *rand.Rand
}

var (
	tags     = []string{"div", "span", "li", "p"}
	attrKeys = []string{"a", "b", "c"}
)

func (m *mutator) nodes() (elements, all []tree.NodeID) {
	m.d.Snapshot().Walk(func(s tree.Subtree) {
		if !s.IsText() {
			elements = append(elements, s.ID)
		}
		if s.ID != m.d.Root() {
			all = append(all, s.ID)
		}
	})
	return elements, all
}

func (m *mutator) pick(ids []tree.NodeID) tree.NodeID {
	return ids[m.rnd.Intn(len(ids))]
}

func (m *mutator) position(parent tree.NodeID, exclude tree.NodeID) tree.NodeID {
	p, _ := m.d.Node(parent)
	var candidates []tree.NodeID
	for _, c := range p.Children {
		if c != exclude {
			candidates = append(candidates, c)
		}
	}
	k := m.rnd.Intn(len(candidates) + 1)
	if k == 0 {
		return tree.NoNode
	}
	return candidates[k-1]
}

func (m *mutator) isAncestor(ancestor, id tree.NodeID) bool {
	for a := id; ; {
		if a == ancestor {
			return true
		}
		next, ok := m.d.Tree().Parent(a)
		if !ok {
			return false
		}
		a = next
	}
}

func (m *mutator) textNodes(all []tree.NodeID) []tree.NodeID {
	var out []tree.NodeID
	for _, id := range all {
		if n, _ := m.d.Node(id); n.IsText() {
			out = append(out, id)
		}
	}
	return out
}

func (m *mutator) step(t *testing.T) {
	t.Helper()
	elements, all := m.nodes()
	var err error
	switch op := m.rnd.Intn(7); {
	case op == 0 || len(all) == 0:
		parent := m.pick(elements)
		el := m.d.CreateElement(tags[m.rnd.Intn(len(tags))])
		if m.rnd.Intn(2) == 0 {
			err = m.d.AppendChild(el, m.d.CreateText(fmt.Sprintf("t%d", m.rnd.Intn(100))))
		}
		if err == nil {
			err = m.d.InsertAfter(parent, el, m.position(parent, tree.NoNode))
		}
	case op == 1:
		parent := m.pick(elements)
		err = m.d.InsertAfter(parent, m.d.CreateText("x"), m.position(parent, tree.NoNode))
	case op == 2:
		id := m.pick(all)
		parent, _ := m.d.Tree().Parent(id)
		err = m.d.RemoveChild(parent, id)
	case op == 3:
		id := m.pick(all)
		parent := m.pick(elements)
		if m.isAncestor(id, parent) {
			return
		}
		err = m.d.InsertAfter(parent, id, m.position(parent, id))
	case op == 4:
		id := m.pick(elements)
		err = m.d.SetAttribute(id, attrKeys[m.rnd.Intn(len(attrKeys))], fmt.Sprint(m.rnd.Intn(10)))
	case op == 5:
		id := m.pick(elements)
		err = m.d.RemoveAttribute(id, attrKeys[m.rnd.Intn(len(attrKeys))])
	default:
		texts := m.textNodes(all)
		if len(texts) == 0 {
			return
		}
		err = m.d.SetText(m.pick(texts), fmt.Sprintf("t%d", m.rnd.Intn(100)))
	}
	if err != nil {
		t.Fatalf("mutation failed: %v", err)
	}
}

// TestRandomMutationsReplay checks that replaying raw records after every
// single operation, and merged records after every tick, both track the
// document exactly.
func TestRandomMutationsReplay(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			d, err := document.Parse(strings.NewReader(`<ul><li>a</li><li>b</li></ul><p>c</p>`), "")
			if err != nil {
				t.Fatal(err)
			}
			o := Attach(d)
			m := &mutator{d: d, rnd: rand.New(rand.NewSource(seed))}

			raw, err := tree.FromSubtree(d.Snapshot())
			if err != nil {
				t.Fatal(err)
			}
			merged := raw.Clone()

			for tick := 0; tick < 40; tick++ {
				var pending []mutation.Record
				for i := 0; i < 1+m.rnd.Intn(6); i++ {
					m.step(t)
					records := o.Take().Records
					if err := mutation.Apply(raw, records); err != nil {
						t.Fatalf("tick %d: apply raw: %v", tick, err)
					}
					if !raw.Equal(d.Tree()) {
						t.Fatalf("tick %d op %d: raw mirror diverged", tick, i)
					}
					pending = append(pending, records...)
				}
				compact := mutation.Merge(pending)
				if len(compact) > len(pending) {
					t.Fatalf("merge grew %d -> %d", len(pending), len(compact))
				}
				if err := mutation.Apply(merged, compact); err != nil {
					t.Fatalf("tick %d: apply merged: %v", tick, err)
				}
				if !merged.Equal(d.Tree()) {
					t.Fatalf("tick %d: merged mirror diverged", tick)
				}
			}
		})
	}
}
