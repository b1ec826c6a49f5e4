package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/tree"
)

func ptr[T any](v T) *T { return &v }

func sampleTree() tree.Subtree {
	return tree.Element(tree.RootID, "root", nil,
		tree.Element(2, "a", tree.Attributes{{Name: "id", Value: "1"}, {Name: "color", Value: "red"}}),
		tree.Element(3, "ul", tree.Attributes{{Name: "empty", Value: ""}},
			tree.Element(4, "li", nil, tree.TextNode(5, "héllo <b>")),
			tree.TextNode(6, ""),
		),
	)
}

// roundTripMessages covers every variant and the awkward cases: empty
// attribute values, zero children, no previous sibling, removed attributes.
func roundTripMessages() map[string]Message {
	return map[string]Message{
		"snapshot":       Snapshot{Root: sampleTree(), DocumentTime: 1234},
		"snapshot empty": Snapshot{Root: tree.Element(tree.RootID, "root", nil)},
		"children insert at head": ChildrenChanged{Change: mutation.ChildListChange{
			TargetID:   3,
			AddedNodes: []tree.Subtree{tree.Element(7, "li", nil)},
		}},
		"children insert after": ChildrenChanged{
			Change: mutation.ChildListChange{
				TargetID:          3,
				PreviousSiblingID: 4,
				AddedNodes:        []tree.Subtree{tree.Element(7, "li", tree.Attributes{{Name: "k", Value: "v"}}, tree.TextNode(8, "x"))},
			},
			DocumentTime: ptr(int64(99)),
		},
		"children remove": ChildrenChanged{Change: mutation.ChildListChange{
			TargetID:       3,
			RemovedNodeIDs: []tree.NodeID{4, 6},
		}},
		"attribute set":     AttributesChanged{Change: mutation.SetAttribute(2, "color", "blue"), DocumentTime: ptr(int64(0))},
		"attribute empty":   AttributesChanged{Change: mutation.SetAttribute(2, "color", "")},
		"attribute removed": AttributesChanged{Change: mutation.RemoveAttribute(2, "color")},
		"text":              TextChanged{Change: mutation.TextChange{TargetID: 5, Text: "bye"}, DocumentTime: ptr(int64(-5))},
		"text empty":        TextChanged{Change: mutation.TextChange{TargetID: 5}},
		"ping":              Ping{Seq: 42, DocumentTime: 1000},
		"pong":              Pong{Seq: 42},
		"event":             Event{TargetID: 2, Name: "click", Bubbles: true, Params: json.RawMessage(`{"x":1,"y":[2,3]}`)},
		"event no params":   Event{TargetID: 2, Name: "focus"},
		"error":             Error{Code: apperrors.CodeSessionBehaviorFailed, Message: "boom"},
		"error no code":     Error{Message: "boom"},
		"warning":           Warning{Message: "slow down"},
		"log":               Log{Level: LevelSystem, Content: "handler failed"},
	}
}

// TestRoundTrip checks Decode(Encode(m)) == m for messages already in
// wire-normal form: event params compact, and at most one attribute update
// per change for JSON (see TestJSONExpandsMultiAttributeChange).
func TestRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, BinaryCodec{}} {
		for name, m := range roundTripMessages() {
			t.Run(codec.Subprotocol()+"/"+name, func(t *testing.T) {
				payloads, err := codec.Encode(m)
				if err != nil {
					t.Fatalf("Encode: %v", err)
				}
				assert.Equal(t, len(payloads), 1)

				decoded, err := codec.Decode(payloads[0])
				if err != nil {
					t.Fatalf("Decode: %v", err)
				}
				assert.Equal(t, decoded, []Message{m})
			})
		}
	}
}

func TestEventParamsAreCompacted(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, BinaryCodec{}} {
		t.Run(codec.Subprotocol(), func(t *testing.T) {
			for _, tc := range []struct {
				params json.RawMessage
				want   json.RawMessage
			}{
				{json.RawMessage(`{ "a": 1,  "b": [1, 2] }`), json.RawMessage(`{"a":1,"b":[1,2]}`)},
				{json.RawMessage(" \"x\" "), json.RawMessage(`"x"`)},
				{json.RawMessage(`null`), nil},
				{json.RawMessage(""), nil},
			} {
				payloads, err := codec.Encode(Event{TargetID: 2, Name: "click", Params: tc.params})
				if err != nil {
					t.Fatalf("Encode(%q): %v", tc.params, err)
				}
				decoded, err := codec.Decode(payloads[0])
				if err != nil {
					t.Fatalf("Decode(%q): %v", tc.params, err)
				}
				assert.Equal(t, decoded, []Message{Event{TargetID: 2, Name: "click", Params: tc.want}})
			}

			_, err := codec.Encode(Event{TargetID: 2, Name: "click", Params: json.RawMessage(`{"a":`)})
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("invalid params: err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodedEventParamsAreCompacted(t *testing.T) {
	msgs, err := JSONCodec{}.Decode([]byte(`{"type":"event","nodeId":2,"name":"click","bubbles":false,"params":{ "k" : "v" }}`))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, msgs, []Message{Event{TargetID: 2, Name: "click", Params: json.RawMessage(`{"k":"v"}`)}})

	msgs, err = JSONCodec{}.Decode([]byte(`{"type":"event","nodeId":2,"name":"click","bubbles":false,"params":null}`))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, msgs, []Message{Event{TargetID: 2, Name: "click"}})
}

func TestBinaryPacksSeveralFrames(t *testing.T) {
	msgs := []Message{
		ChildrenChanged{Change: mutation.ChildListChange{TargetID: 1, AddedNodes: []tree.Subtree{tree.Element(9, "p", nil)}}},
		AttributesChanged{Change: mutation.AttributesChange{TargetID: 9, Attributes: []mutation.AttributeUpdate{
			{Name: "a", Value: ptr("1")},
			{Name: "b"},
		}}, DocumentTime: ptr(int64(7))},
		Log{Level: LevelInfo, Content: "done"},
	}
	payloads, err := BinaryCodec{}.Encode(msgs...)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(payloads), 1)

	decoded, err := BinaryCodec{}.Decode(payloads[0])
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, decoded, msgs)
}

func TestJSONExpandsMultiAttributeChange(t *testing.T) {
	m := AttributesChanged{
		Change: mutation.AttributesChange{TargetID: 2, Attributes: []mutation.AttributeUpdate{
			{Name: "color", Value: ptr("red")},
			{Name: "size"},
		}},
		DocumentTime: ptr(int64(10)),
	}
	payloads, err := JSONCodec{}.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, string(payloads[0]), `{"type":"attributeChange","nodeId":2,"attribute":"color","newValue":"red"}`)
	assert.Equal(t, string(payloads[1]), `{"type":"attributeChange","nodeId":2,"attribute":"size","newValue":null,"documentTime":10}`)

	// Replaying the expanded messages has the same effect as the original.
	raw, _ := tree.FromSubtree(sampleTree())
	expanded, _ := tree.FromSubtree(sampleTree())
	if err := mutation.ApplyOne(raw, m.Change); err != nil {
		t.Fatal(err)
	}
	for _, p := range payloads {
		decoded, err := JSONCodec{}.Decode(p)
		if err != nil {
			t.Fatal(err)
		}
		rec, _, ok := Record(decoded[0])
		if !ok {
			t.Fatal("expected a diff message")
		}
		if err := mutation.ApplyOne(expanded, rec); err != nil {
			t.Fatal(err)
		}
	}
	if !raw.Equal(expanded) {
		t.Fatal("expanded attribute changes diverged")
	}
}

func TestJSONShapes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{
			name: "snapshot",
			msg: Snapshot{Root: tree.Element(1, "root", nil,
				tree.Element(2, "a", tree.Attributes{{Name: "id", Value: "1"}, {Name: "color", Value: "red"}}),
				tree.TextNode(3, "hi"),
			), DocumentTime: 5},
			want: `{"type":"snapshot","snapshot":{"nodeId":1,"tag":"root","attributes":{},"children":[` +
				`{"nodeId":2,"tag":"a","attributes":{"id":"1","color":"red"},"children":[]},` +
				`{"nodeId":3,"type":"#text","text":"hi"}]},"documentTime":5}`,
		},
		{
			name: "childrenChanged at head",
			msg:  ChildrenChanged{Change: mutation.ChildListChange{TargetID: 1, RemovedNodeIDs: []tree.NodeID{2}}},
			want: `{"type":"childrenChanged","nodeId":1,"previousNodeId":null,"addedNodes":[],"removedNodes":[2]}`,
		},
		{
			name: "ping",
			msg:  Ping{Seq: 3, DocumentTime: 250},
			want: `{"type":"ping","ping":3,"documentTime":250}`,
		},
		{
			name: "event",
			msg:  Event{TargetID: 4, Name: "click", Params: json.RawMessage(`{"button":0}`)},
			want: `{"type":"event","nodeId":4,"name":"click","bubbles":false,"params":{"button":0}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payloads, err := JSONCodec{}.Encode(tt.msg)
			if err != nil {
				t.Fatal(err)
			}
			assert.Equal(t, string(payloads[0]), tt.want)
		})
	}
}

func TestJSONKeepsAttributeOrder(t *testing.T) {
	payload := `{"type":"snapshot","snapshot":{"nodeId":1,"tag":"root","attributes":{"z":"1","a":"2","m":"3"},"children":[]},"documentTime":0}`
	msgs, err := JSONCodec{}.Decode([]byte(payload))
	if err != nil {
		t.Fatal(err)
	}
	root := msgs[0].(Snapshot).Root
	assert.Equal(t, root.Attributes, tree.Attributes{{Name: "z", Value: "1"}, {Name: "a", Value: "2"}, {Name: "m", Value: "3"}})
}

func TestJSONDecodeFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", `{"type":`, ErrMalformed},
		{"unknown type", `{"type":"teleport"}`, ErrUnknownType},
		{"diff without target", `{"type":"textChanged","text":"x"}`, ErrMalformed},
		{"node without tag", `{"type":"snapshot","snapshot":{"nodeId":1},"documentTime":0}`, ErrMalformed},
		{"attributes not object", `{"type":"snapshot","snapshot":{"nodeId":1,"tag":"r","attributes":[]},"documentTime":0}`, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode([]byte(tt.payload))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode(%s) = %v, want %v", tt.payload, err, tt.want)
			}
		})
	}
}

func TestBinaryDecodeFailures(t *testing.T) {
	full, err := BinaryCodec{}.Encode(Snapshot{Root: sampleTree()})
	if err != nil {
		t.Fatal(err)
	}
	truncated := full[0][:len(full[0])-1]

	tests := []struct {
		name    string
		payload []byte
		want    error
	}{
		{"empty", nil, ErrTruncated},
		{"length overrun", truncated, ErrTruncated},
		{"unknown tag", []byte{1, 99}, ErrUnknownType},
		{"trailing bytes", []byte{3, tagPong, 5, 0}, ErrTrailingBytes},
		{"invalid utf8", []byte{4, tagWarning, 2, 0xff, 0xfe}, ErrInvalidUTF8},
		{"impossible count", []byte{11, tagChildrenChanged, 1, 0, 0, 0, 0, 0, 0, 0, 0xc8, 0x01}, ErrTruncated},
		{"zero node id", []byte{6, tagTextChanged, 0, 0, 0, 0, 0}, ErrMalformed},
		{"bad presence byte", []byte{7, tagTextChanged, 1, 0, 0, 0, 0, 7}, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BinaryCodec{}.Decode(tt.payload)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode(%v) = %v, want %v", tt.payload, err, tt.want)
			}
		})
	}
}

func TestNegotiate(t *testing.T) {
	c, err := Negotiate(nil)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, c.Subprotocol(), SubprotocolV1)

	c, err = Negotiate([]string{"chat", SubprotocolV1, SubprotocolV2})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, c.Subprotocol(), SubprotocolV1)

	c, err = Negotiate([]string{SubprotocolV2})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, c.Binary(), true)

	_, err = Negotiate([]string{"networked-tree-v9"})
	assert.Equal(t, apperrors.GetCode(err), apperrors.CodeProtocolUnsupported)
}

func typicalDiff() []Message {
	var added []tree.Subtree
	for i := 0; i < 5; i++ {
		id := tree.NodeID(100 + 2*i)
		added = append(added, tree.Element(id, "li", tree.Attributes{{Name: "class", Value: "item"}}, tree.TextNode(id+1, "entry")))
	}
	return DiffMessages([]mutation.Record{
		mutation.ChildListChange{TargetID: 3, PreviousSiblingID: 4, AddedNodes: added},
		mutation.SetAttribute(2, "color", "red"),
		mutation.TextChange{TargetID: 5, Text: "updated"},
	}, 123456)
}

func payloadSize(payloads [][]byte) int {
	n := 0
	for _, p := range payloads {
		n += len(p)
	}
	return n
}

func TestBinaryIsSmallerThanJSON(t *testing.T) {
	msgs := typicalDiff()
	text, err := JSONCodec{}.Encode(msgs...)
	if err != nil {
		t.Fatal(err)
	}
	bin, err := BinaryCodec{}.Encode(msgs...)
	if err != nil {
		t.Fatal(err)
	}
	if 2*payloadSize(bin) >= payloadSize(text) {
		t.Fatalf("binary %d bytes is not materially smaller than json %d bytes", payloadSize(bin), payloadSize(text))
	}
}

func benchmarkEncode(b *testing.B, codec Codec) {
	msgs := typicalDiff()
	var size int
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		payloads, err := codec.Encode(msgs...)
		if err != nil {
			b.Fatal(err)
		}
		size = payloadSize(payloads)
	}
	b.ReportMetric(float64(size), "bytes/diff")
}

func BenchmarkEncodeJSON(b *testing.B)   { benchmarkEncode(b, JSONCodec{}) }
func BenchmarkEncodeBinary(b *testing.B) { benchmarkEncode(b, BinaryCodec{}) }

func BenchmarkDecodeBinary(b *testing.B) {
	payloads, err := BinaryCodec{}.Encode(typicalDiff()...)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := (BinaryCodec{}).Decode(payloads[0]); err != nil {
			b.Fatal(err)
		}
	}
}
