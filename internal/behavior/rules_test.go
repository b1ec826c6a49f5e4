package behavior

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/treesync/host/internal/document"
	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/session"
	"github.com/treesync/host/internal/tree"
)

func parseDoc(t *testing.T, markup string) *document.Document {
	t.Helper()
	doc, err := document.Parse(strings.NewReader(markup), "")
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func byID(t *testing.T, doc *document.Document, id string) tree.NodeID {
	t.Helper()
	ids := doc.FindByAttribute("id", id)
	if len(ids) != 1 {
		t.Fatalf("want one #%s, got %d", id, len(ids))
	}
	return ids[0]
}

func TestParse(t *testing.T) {
	stmts, err := Parse(" set class=on ; ; toggle hidden;text Hello world;clear")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, stmts, []Statement{
		{Verb: "set", Arg: "class=on"},
		{Verb: "toggle", Arg: "hidden"},
		{Verb: "text", Arg: "Hello world"},
		{Verb: "clear"},
	})
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		src  string
		code string
	}{
		{"explode now", apperrors.CodeBehaviorUnknownVerb},
		{"set class", apperrors.CodeBehaviorInvalidRule},
		{"set =x", apperrors.CodeBehaviorInvalidRule},
		{"toggle", apperrors.CodeBehaviorInvalidRule},
		{"toggle a b", apperrors.CodeBehaviorInvalidRule},
		{"remove now", apperrors.CodeBehaviorInvalidRule},
	}
	for _, tt := range tests {
		_, err := Parse(tt.src)
		assert.Equal(t, apperrors.GetCode(err), tt.code)
	}
}

func TestHandleEventRunsStatements(t *testing.T) {
	doc := parseDoc(t, `<button id="b" onclick="set class=active; toggle pressed; text Clicked {who}">Go</button>`)
	r := &Rules{}
	b := byID(t, doc, "b")

	err := r.HandleEvent(context.Background(), doc, session.Event{
		TargetID: b,
		Name:     "click",
		Params:   json.RawMessage(`{"who":"ann"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, doc.Markup(),
		`<root><button id="b" onclick="set class=active; toggle pressed; text Clicked {who}" class="active" pressed="">Clicked ann</button></root>`)

	// A second click toggles the attribute back off.
	if err := r.HandleEvent(context.Background(), doc, session.Event{TargetID: b, Name: "click"}); err != nil {
		t.Fatal(err)
	}
	n, _ := doc.Node(b)
	_, pressed := n.Attributes.Get("pressed")
	assert.Equal(t, pressed, false)
}

func TestBubblingReachesAncestors(t *testing.T) {
	doc := parseDoc(t, `<ul id="list" onpick="set picked=yes"><li id="item" onpick="remove">x</li></ul>`)
	r := &Rules{}
	item := byID(t, doc, "item")

	err := r.HandleEvent(context.Background(), doc, session.Event{TargetID: item, Name: "pick", Bubbles: true})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, doc.Markup(), `<root><ul id="list" onpick="set picked=yes" picked="yes"></ul></root>`)
}

func TestNonBubblingStopsAtTarget(t *testing.T) {
	doc := parseDoc(t, `<div onpick="set seen=1"><span id="s">x</span></div>`)
	r := &Rules{}

	err := r.HandleEvent(context.Background(), doc, session.Event{TargetID: byID(t, doc, "s"), Name: "pick"})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, strings.Contains(doc.Markup(), "seen"), false)
}

func TestAppendAndClear(t *testing.T) {
	doc := parseDoc(t, `<ol id="o" onadd="append <li>{n}</li>" onreset="clear"></ol>`)
	r := &Rules{}
	o := byID(t, doc, "o")

	for _, n := range []string{"1", "2"} {
		params := json.RawMessage(`{"n":` + n + `}`)
		if err := r.HandleEvent(context.Background(), doc, session.Event{TargetID: o, Name: "add", Params: params}); err != nil {
			t.Fatal(err)
		}
	}
	assert.Equal(t, strings.Count(doc.Markup(), "<li>"), 2)
	assert.Equal(t, strings.Contains(doc.Markup(), "<li>2</li>"), true)

	if err := r.HandleEvent(context.Background(), doc, session.Event{TargetID: o, Name: "reset"}); err != nil {
		t.Fatal(err)
	}
	n, _ := doc.Node(o)
	assert.Equal(t, len(n.Children), 0)
}

func TestFailedStatementLeavesNoDetachedNodes(t *testing.T) {
	for _, rule := range []string{"remove; text gone", "remove; append <b>x</b><i>y</i>"} {
		t.Run(rule, func(t *testing.T) {
			doc := parseDoc(t, `<div><p id="p" onclick="`+rule+`">x</p></div>`)
			err := (&Rules{}).HandleEvent(context.Background(), doc, session.Event{TargetID: byID(t, doc, "p"), Name: "click"})
			if err == nil {
				t.Fatal("expected the second statement to fail")
			}
			assert.Equal(t, doc.Markup(), `<root><div></div></root>`)
			assert.Equal(t, doc.Tree().Len(), doc.Snapshot().Count())
		})
	}
}

func TestUnknownVerbFails(t *testing.T) {
	doc := parseDoc(t, `<p id="p" onclick="fly away">x</p>`)
	err := (&Rules{}).HandleEvent(context.Background(), doc, session.Event{TargetID: byID(t, doc, "p"), Name: "click"})
	assert.Equal(t, apperrors.GetCode(err), apperrors.CodeBehaviorUnknownVerb)
}

func TestPresence(t *testing.T) {
	doc := parseDoc(t, `<p>x</p>`)
	r := &Rules{PresenceAttribute: "observers"}

	r.ConnectionOpened(doc, 1, session.ConnectionInfo{})
	r.ConnectionOpened(doc, 2, session.ConnectionInfo{})
	r.ConnectionClosed(doc, 1, nil)

	root, _ := doc.Node(doc.Root())
	v, _ := root.Attributes.Get("observers")
	assert.Equal(t, v, "1")
}

func TestCheck(t *testing.T) {
	assert.Equal(t, Check(parseDoc(t, `<a onclick="set x=1">a</a>`)), nil)
	err := Check(parseDoc(t, `<a><b onclick="teleport">b</b></a>`))
	assert.Equal(t, apperrors.GetCode(err), apperrors.CodeBehaviorUnknownVerb)
}
