package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/tree"
)

// JSONCodec is the v0.1 text codec: one JSON object per websocket text
// message.
//
// v0.1 has no multi-attribute change. An AttributesChanged holding several
// updates is encoded as consecutive attributeChange messages with the same
// net effect, and only the last one carries documentTime. Decoding always
// yields single-update AttributesChanged messages.
type JSONCodec struct{}

// Subprotocol implements Codec.
func (JSONCodec) Subprotocol() string { return SubprotocolV1 }

// Binary implements Codec.
func (JSONCodec) Binary() bool { return false }

type jsonSnapshot struct {
	Type         MessageType `json:"type"`
	Snapshot     jsonNode    `json:"snapshot"`
	DocumentTime int64       `json:"documentTime"`
}

type jsonChildrenChanged struct {
	Type           MessageType   `json:"type"`
	NodeID         tree.NodeID   `json:"nodeId"`
	PreviousNodeID *tree.NodeID  `json:"previousNodeId"`
	AddedNodes     []jsonNode    `json:"addedNodes"`
	RemovedNodes   []tree.NodeID `json:"removedNodes"`
	DocumentTime   *int64        `json:"documentTime,omitempty"`
}

type jsonAttributeChange struct {
	Type         MessageType `json:"type"`
	NodeID       tree.NodeID `json:"nodeId"`
	Attribute    string      `json:"attribute"`
	NewValue     *string     `json:"newValue"`
	DocumentTime *int64      `json:"documentTime,omitempty"`
}

type jsonTextChanged struct {
	Type         MessageType `json:"type"`
	NodeID       tree.NodeID `json:"nodeId"`
	Text         string      `json:"text"`
	DocumentTime *int64      `json:"documentTime,omitempty"`
}

type jsonPing struct {
	Type         MessageType `json:"type"`
	Ping         uint64      `json:"ping"`
	DocumentTime int64       `json:"documentTime"`
}

type jsonPong struct {
	Type MessageType `json:"type"`
	Pong uint64      `json:"pong"`
}

type jsonEvent struct {
	Type    MessageType     `json:"type"`
	NodeID  tree.NodeID     `json:"nodeId"`
	Name    string          `json:"name"`
	Bubbles bool            `json:"bubbles"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonError struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
}

type jsonWarning struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type jsonLog struct {
	Type    MessageType `json:"type"`
	Level   LogLevel    `json:"level"`
	Content string      `json:"content"`
}

// Encode implements Codec.
func (JSONCodec) Encode(msgs ...Message) ([][]byte, error) {
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		values, err := toJSON(m)
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func toJSON(m Message) ([]any, error) {
	switch m := m.(type) {
	case Snapshot:
		return []any{jsonSnapshot{Type: TypeSnapshot, Snapshot: jsonNode(m.Root), DocumentTime: m.DocumentTime}}, nil

	case ChildrenChanged:
		c := m.Change
		v := jsonChildrenChanged{
			Type:         TypeChildrenChanged,
			NodeID:       c.TargetID,
			AddedNodes:   make([]jsonNode, 0, len(c.AddedNodes)),
			RemovedNodes: c.RemovedNodeIDs,
			DocumentTime: m.DocumentTime,
		}
		if c.PreviousSiblingID != tree.NoNode {
			prev := c.PreviousSiblingID
			v.PreviousNodeID = &prev
		}
		for _, n := range c.AddedNodes {
			v.AddedNodes = append(v.AddedNodes, jsonNode(n))
		}
		if v.RemovedNodes == nil {
			v.RemovedNodes = []tree.NodeID{}
		}
		return []any{v}, nil

	case AttributesChanged:
		updates := m.Change.Attributes
		if len(updates) == 0 {
			return nil, fmt.Errorf("attribute change on %d without attributes: %w", m.Change.TargetID, ErrMalformed)
		}
		values := make([]any, 0, len(updates))
		for i, u := range updates {
			v := jsonAttributeChange{
				Type:      TypeAttributeChange,
				NodeID:    m.Change.TargetID,
				Attribute: u.Name,
				NewValue:  u.Value,
			}
			if i == len(updates)-1 {
				v.DocumentTime = m.DocumentTime
			}
			values = append(values, v)
		}
		return values, nil

	case TextChanged:
		return []any{jsonTextChanged{Type: TypeTextChanged, NodeID: m.Change.TargetID, Text: m.Change.Text, DocumentTime: m.DocumentTime}}, nil
	case Ping:
		return []any{jsonPing{Type: TypePing, Ping: m.Seq, DocumentTime: m.DocumentTime}}, nil
	case Pong:
		return []any{jsonPong{Type: TypePong, Pong: m.Seq}}, nil
	case Event:
		params, err := compactParams(m.Params)
		if err != nil {
			return nil, err
		}
		return []any{jsonEvent{Type: TypeEvent, NodeID: m.TargetID, Name: m.Name, Bubbles: m.Bubbles, Params: params}}, nil
	case Error:
		return []any{jsonError{Type: TypeError, Code: m.Code, Message: m.Message}}, nil
	case Warning:
		return []any{jsonWarning{Type: TypeWarning, Message: m.Message}}, nil
	case Log:
		return []any{jsonLog{Type: TypeLog, Level: m.Level, Content: m.Content}}, nil
	}
	return nil, fmt.Errorf("%T: %w", m, ErrUnknownType)
}

// Decode implements Codec.
func (JSONCodec) Decode(payload []byte) ([]Message, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m, err := decodeJSON(env.Type, payload)
	if err != nil {
		return nil, err
	}
	return []Message{m}, nil
}

func decodeJSON(t MessageType, payload []byte) (Message, error) {
	unmarshal := func(v any) error {
		if err := json.Unmarshal(payload, v); err != nil {
			return fmt.Errorf("%s: %w: %v", t, ErrMalformed, err)
		}
		return nil
	}

	switch t {
	case TypeSnapshot:
		var v jsonSnapshot
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		root := tree.Subtree(v.Snapshot)
		if root.ID == tree.NoNode || root.IsText() {
			return nil, fmt.Errorf("snapshot root: %w", ErrMalformed)
		}
		return Snapshot{Root: root, DocumentTime: v.DocumentTime}, nil

	case TypeChildrenChanged:
		var v jsonChildrenChanged
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		if v.NodeID == tree.NoNode {
			return nil, fmt.Errorf("childrenChanged without nodeId: %w", ErrMalformed)
		}
		c := mutation.ChildListChange{TargetID: v.NodeID}
		if v.PreviousNodeID != nil {
			c.PreviousSiblingID = *v.PreviousNodeID
		}
		for _, n := range v.AddedNodes {
			c.AddedNodes = append(c.AddedNodes, tree.Subtree(n))
		}
		if len(v.RemovedNodes) > 0 {
			c.RemovedNodeIDs = v.RemovedNodes
		}
		return ChildrenChanged{Change: c, DocumentTime: v.DocumentTime}, nil

	case TypeAttributeChange:
		var v jsonAttributeChange
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		if v.NodeID == tree.NoNode || v.Attribute == "" {
			return nil, fmt.Errorf("attributeChange without nodeId or attribute: %w", ErrMalformed)
		}
		return AttributesChanged{
			Change: mutation.AttributesChange{
				TargetID:   v.NodeID,
				Attributes: []mutation.AttributeUpdate{{Name: v.Attribute, Value: v.NewValue}},
			},
			DocumentTime: v.DocumentTime,
		}, nil

	case TypeTextChanged:
		var v jsonTextChanged
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		if v.NodeID == tree.NoNode {
			return nil, fmt.Errorf("textChanged without nodeId: %w", ErrMalformed)
		}
		return TextChanged{Change: mutation.TextChange{TargetID: v.NodeID, Text: v.Text}, DocumentTime: v.DocumentTime}, nil

	case TypePing:
		var v jsonPing
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return Ping{Seq: v.Ping, DocumentTime: v.DocumentTime}, nil

	case TypePong:
		var v jsonPong
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return Pong{Seq: v.Pong}, nil

	case TypeEvent:
		var v jsonEvent
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		if v.NodeID == tree.NoNode || v.Name == "" {
			return nil, fmt.Errorf("event without nodeId or name: %w", ErrMalformed)
		}
		params, err := compactParams(v.Params)
		if err != nil {
			return nil, err
		}
		return Event{TargetID: v.NodeID, Name: v.Name, Bubbles: v.Bubbles, Params: params}, nil

	case TypeError:
		var v jsonError
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return Error{Code: v.Code, Message: v.Message}, nil

	case TypeWarning:
		var v jsonWarning
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return Warning{Message: v.Message}, nil

	case TypeLog:
		var v jsonLog
		if err := unmarshal(&v); err != nil {
			return nil, err
		}
		return Log{Level: v.Level, Content: v.Content}, nil
	}
	return nil, fmt.Errorf("%q: %w", t, ErrUnknownType)
}

// jsonNode is a Subtree in its v0.1 shape:
//
//	{"nodeId":n,"tag":s,"attributes":{...},"children":[...]}
//	{"nodeId":n,"type":"#text","text":s}
type jsonNode tree.Subtree

const textNodeType = "#text"

func (n jsonNode) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	writeNode(&buf, tree.Subtree(n))
	return buf.Bytes(), nil
}

func writeNode(buf *bytes.Buffer, s tree.Subtree) {
	buf.WriteString(`{"nodeId":`)
	buf.WriteString(strconv.FormatUint(uint64(s.ID), 10))
	if s.IsText() {
		buf.WriteString(`,"type":"` + textNodeType + `","text":`)
		writeString(buf, *s.Text)
		buf.WriteByte('}')
		return
	}
	buf.WriteString(`,"tag":`)
	writeString(buf, s.Tag)
	buf.WriteString(`,"attributes":`)
	writeAttributes(buf, s.Attributes)
	buf.WriteString(`,"children":[`)
	for i, c := range s.Children {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeNode(buf, c)
	}
	buf.WriteString("]}")
}

func writeString(buf *bytes.Buffer, s string) {
	// Marshalling a string cannot fail.
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// writeAttributes emits an object whose keys appear in list order.
func writeAttributes(buf *bytes.Buffer, attrs tree.Attributes) {
	buf.WriteByte('{')
	for i, a := range attrs {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, a.Name)
		buf.WriteByte(':')
		writeString(buf, a.Value)
	}
	buf.WriteByte('}')
}

func (n *jsonNode) UnmarshalJSON(data []byte) error {
	var w struct {
		NodeID     tree.NodeID    `json:"nodeId"`
		Type       string         `json:"type"`
		Tag        string         `json:"tag"`
		Attributes jsonAttributes `json:"attributes"`
		Children   []jsonNode     `json:"children"`
		Text       *string        `json:"text"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.NodeID == tree.NoNode {
		return fmt.Errorf("node without nodeId: %w", ErrMalformed)
	}

	if w.Type == textNodeType {
		if w.Text == nil {
			return fmt.Errorf("text node %d without text: %w", w.NodeID, ErrMalformed)
		}
		*n = jsonNode(tree.TextNode(w.NodeID, *w.Text))
		return nil
	}
	if w.Type != "" || w.Tag == "" {
		return fmt.Errorf("node %d has neither tag nor text type: %w", w.NodeID, ErrMalformed)
	}

	s := tree.Subtree{ID: w.NodeID, Tag: w.Tag, Attributes: tree.Attributes(w.Attributes).Clone()}
	if len(w.Children) > 0 {
		s.Children = make([]tree.Subtree, 0, len(w.Children))
		for _, c := range w.Children {
			s.Children = append(s.Children, tree.Subtree(c))
		}
	}
	*n = jsonNode(s)
	return nil
}

// jsonAttributes decodes a JSON object into an ordered attribute list,
// keeping key order as it appears in the document.
type jsonAttributes tree.Attributes

func (a *jsonAttributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("attributes must be an object: %w", ErrMalformed)
	}

	var attrs tree.Attributes
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("attribute key %v: %w", tok, ErrMalformed)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
		attrs = attrs.Set(name, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = jsonAttributes(attrs)
	return nil
}
