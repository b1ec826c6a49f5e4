package protocol

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/tree"
)

// BinaryCodec is the v0.2 codec.
//
// A websocket binary message carries one or more frames:
//
//	frame   = uvarint(len(body)) body
//	body    = type:byte fields...
//
// Fields are protobuf wire primitives without field tags: node IDs are
// fixed32, counts, sequence numbers and lengths are varints, times are
// zig-zag varints, strings are varint-length-prefixed UTF-8. An optional
// field is preceded by a presence byte (0 absent, 1 present). Attributes
// travel as count followed by (name, value) pairs, keeping their order.
// Subtrees are depth-first with an explicit child count:
//
//	node    = kind:byte id:fixed32 (tag attrs count node*  |  text)
//
// Encode packs every message passed to one call into a single payload.
type BinaryCodec struct{}

// Frame type tags.
const (
	tagSnapshot          byte = 1
	tagChildrenChanged   byte = 2
	tagAttributesChanged byte = 3
	tagTextChanged       byte = 4
	tagPing              byte = 5
	tagPong              byte = 6
	tagEvent             byte = 7
	tagError             byte = 8
	tagWarning           byte = 9
	tagLog               byte = 10
)

const (
	kindElement byte = 0
	kindText    byte = 1

	// maxDepth bounds recursion while decoding untrusted subtrees.
	maxDepth = 512

	// Smallest encodings, used to reject counts the remaining bytes
	// cannot possibly hold before allocating for them.
	minNodeSize      = 6
	minAttributeSize = 2
	minUpdateSize    = 2
	idSize           = 4
)

// Subprotocol implements Codec.
func (BinaryCodec) Subprotocol() string { return SubprotocolV2 }

// Binary implements Codec.
func (BinaryCodec) Binary() bool { return true }

// Encode implements Codec.
func (BinaryCodec) Encode(msgs ...Message) ([][]byte, error) {
	var out, body []byte
	for _, m := range msgs {
		var err error
		body, err = appendBody(body[:0], m)
		if err != nil {
			return nil, err
		}
		out = protowire.AppendVarint(out, uint64(len(body)))
		out = append(out, body...)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return [][]byte{out}, nil
}

func appendBody(b []byte, m Message) ([]byte, error) {
	switch m := m.(type) {
	case Snapshot:
		b = append(b, tagSnapshot)
		b = appendTime(b, m.DocumentTime)
		b = appendNode(b, m.Root)
	case ChildrenChanged:
		c := m.Change
		b = append(b, tagChildrenChanged)
		b = protowire.AppendFixed32(b, uint32(c.TargetID))
		b = protowire.AppendFixed32(b, uint32(c.PreviousSiblingID))
		b = protowire.AppendVarint(b, uint64(len(c.AddedNodes)))
		for _, n := range c.AddedNodes {
			b = appendNode(b, n)
		}
		b = protowire.AppendVarint(b, uint64(len(c.RemovedNodeIDs)))
		for _, id := range c.RemovedNodeIDs {
			b = protowire.AppendFixed32(b, uint32(id))
		}
		b = appendOptionalTime(b, m.DocumentTime)
	case AttributesChanged:
		c := m.Change
		b = append(b, tagAttributesChanged)
		b = protowire.AppendFixed32(b, uint32(c.TargetID))
		b = protowire.AppendVarint(b, uint64(len(c.Attributes)))
		for _, u := range c.Attributes {
			b = protowire.AppendString(b, u.Name)
			if u.Value == nil {
				b = append(b, 0)
			} else {
				b = append(b, 1)
				b = protowire.AppendString(b, *u.Value)
			}
		}
		b = appendOptionalTime(b, m.DocumentTime)
	case TextChanged:
		b = append(b, tagTextChanged)
		b = protowire.AppendFixed32(b, uint32(m.Change.TargetID))
		b = protowire.AppendString(b, m.Change.Text)
		b = appendOptionalTime(b, m.DocumentTime)
	case Ping:
		b = append(b, tagPing)
		b = protowire.AppendVarint(b, m.Seq)
		b = appendTime(b, m.DocumentTime)
	case Pong:
		b = append(b, tagPong)
		b = protowire.AppendVarint(b, m.Seq)
	case Event:
		b = append(b, tagEvent)
		b = protowire.AppendFixed32(b, uint32(m.TargetID))
		b = protowire.AppendString(b, m.Name)
		b = append(b, boolByte(m.Bubbles))
		params, err := compactParams(m.Params)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendBytes(b, params)
	case Error:
		b = append(b, tagError)
		b = protowire.AppendString(b, m.Code)
		b = protowire.AppendString(b, m.Message)
	case Warning:
		b = append(b, tagWarning)
		b = protowire.AppendString(b, m.Message)
	case Log:
		b = append(b, tagLog)
		b = protowire.AppendString(b, string(m.Level))
		b = protowire.AppendString(b, m.Content)
	default:
		return nil, fmt.Errorf("%T: %w", m, ErrUnknownType)
	}
	return b, nil
}

func appendNode(b []byte, s tree.Subtree) []byte {
	if s.IsText() {
		b = append(b, kindText)
		b = protowire.AppendFixed32(b, uint32(s.ID))
		return protowire.AppendString(b, *s.Text)
	}
	b = append(b, kindElement)
	b = protowire.AppendFixed32(b, uint32(s.ID))
	b = protowire.AppendString(b, s.Tag)
	b = protowire.AppendVarint(b, uint64(len(s.Attributes)))
	for _, a := range s.Attributes {
		b = protowire.AppendString(b, a.Name)
		b = protowire.AppendString(b, a.Value)
	}
	b = protowire.AppendVarint(b, uint64(len(s.Children)))
	for _, c := range s.Children {
		b = appendNode(b, c)
	}
	return b
}

func appendTime(b []byte, t int64) []byte {
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t))
}

func appendOptionalTime(b []byte, t *int64) []byte {
	if t == nil {
		return append(b, 0)
	}
	return appendTime(append(b, 1), *t)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

// Decode implements Codec.
func (BinaryCodec) Decode(payload []byte) ([]Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload: %w", ErrTruncated)
	}
	var msgs []Message
	for len(payload) > 0 {
		size, n := protowire.ConsumeVarint(payload)
		if n < 0 {
			return nil, fmt.Errorf("frame length: %w: %v", ErrTruncated, protowire.ParseError(n))
		}
		payload = payload[n:]
		if size == 0 || size > uint64(len(payload)) {
			return nil, fmt.Errorf("frame of %d bytes with %d left: %w", size, len(payload), ErrTruncated)
		}
		r := &reader{b: payload[:size]}
		payload = payload[size:]

		m, err := r.message()
		if err != nil {
			return nil, err
		}
		if len(r.b) > 0 {
			return nil, fmt.Errorf("%s frame: %d bytes: %w", m.Type(), len(r.b), ErrTrailingBytes)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// reader consumes one frame body.
type reader struct {
	b []byte
}

func (r *reader) byte() (byte, error) {
	if len(r.b) == 0 {
		return 0, ErrTruncated
	}
	v := r.b[0]
	r.b = r.b[1:]
	return v, nil
}

func (r *reader) flag() (bool, error) {
	v, err := r.byte()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("flag byte %d: %w", v, ErrMalformed)
}

func (r *reader) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) time() (int64, error) {
	v, err := r.varint()
	return protowire.DecodeZigZag(v), err
}

func (r *reader) optionalTime() (*int64, error) {
	present, err := r.flag()
	if err != nil || !present {
		return nil, err
	}
	t, err := r.time()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *reader) id() (tree.NodeID, error) {
	v, n := protowire.ConsumeFixed32(r.b)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return tree.NodeID(v), nil
}

// nodeID reads an ID that must name a real node.
func (r *reader) nodeID() (tree.NodeID, error) {
	id, err := r.id()
	if err == nil && id == tree.NoNode {
		err = fmt.Errorf("node id 0: %w", ErrMalformed)
	}
	return id, err
}

func (r *reader) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
	}
	r.b = r.b[n:]
	return v, nil
}

func (r *reader) string() (string, error) {
	v, err := r.bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(v) {
		return "", ErrInvalidUTF8
	}
	return string(v), nil
}

// count reads a list length and rejects one the remaining bytes cannot hold.
func (r *reader) count(minSize int) (int, error) {
	v, err := r.varint()
	if err != nil {
		return 0, err
	}
	if v > uint64(len(r.b)/minSize) {
		return 0, fmt.Errorf("count %d with %d bytes left: %w", v, len(r.b), ErrTruncated)
	}
	return int(v), nil
}

func (r *reader) message() (Message, error) {
	tag, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagSnapshot:
		t, err := r.time()
		if err != nil {
			return nil, err
		}
		root, err := r.node(0)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		if root.IsText() {
			return nil, fmt.Errorf("snapshot root is text: %w", ErrMalformed)
		}
		return Snapshot{Root: root, DocumentTime: t}, nil

	case tagChildrenChanged:
		var c mutation.ChildListChange
		if c.TargetID, err = r.nodeID(); err != nil {
			return nil, err
		}
		if c.PreviousSiblingID, err = r.id(); err != nil {
			return nil, err
		}
		added, err := r.count(minNodeSize)
		if err != nil {
			return nil, err
		}
		if added > 0 {
			c.AddedNodes = make([]tree.Subtree, 0, added)
		}
		for i := 0; i < added; i++ {
			n, err := r.node(0)
			if err != nil {
				return nil, fmt.Errorf("added node %d: %w", i, err)
			}
			c.AddedNodes = append(c.AddedNodes, n)
		}
		removed, err := r.count(idSize)
		if err != nil {
			return nil, err
		}
		if removed > 0 {
			c.RemovedNodeIDs = make([]tree.NodeID, 0, removed)
		}
		for i := 0; i < removed; i++ {
			id, err := r.nodeID()
			if err != nil {
				return nil, err
			}
			c.RemovedNodeIDs = append(c.RemovedNodeIDs, id)
		}
		t, err := r.optionalTime()
		if err != nil {
			return nil, err
		}
		return ChildrenChanged{Change: c, DocumentTime: t}, nil

	case tagAttributesChanged:
		var c mutation.AttributesChange
		if c.TargetID, err = r.nodeID(); err != nil {
			return nil, err
		}
		n, err := r.count(minUpdateSize)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			c.Attributes = make([]mutation.AttributeUpdate, 0, n)
		}
		for i := 0; i < n; i++ {
			var u mutation.AttributeUpdate
			if u.Name, err = r.string(); err != nil {
				return nil, err
			}
			present, err := r.flag()
			if err != nil {
				return nil, err
			}
			if present {
				v, err := r.string()
				if err != nil {
					return nil, err
				}
				u.Value = &v
			}
			c.Attributes = append(c.Attributes, u)
		}
		t, err := r.optionalTime()
		if err != nil {
			return nil, err
		}
		return AttributesChanged{Change: c, DocumentTime: t}, nil

	case tagTextChanged:
		var c mutation.TextChange
		if c.TargetID, err = r.nodeID(); err != nil {
			return nil, err
		}
		if c.Text, err = r.string(); err != nil {
			return nil, err
		}
		t, err := r.optionalTime()
		if err != nil {
			return nil, err
		}
		return TextChanged{Change: c, DocumentTime: t}, nil

	case tagPing:
		var p Ping
		if p.Seq, err = r.varint(); err != nil {
			return nil, err
		}
		if p.DocumentTime, err = r.time(); err != nil {
			return nil, err
		}
		return p, nil

	case tagPong:
		seq, err := r.varint()
		if err != nil {
			return nil, err
		}
		return Pong{Seq: seq}, nil

	case tagEvent:
		var e Event
		if e.TargetID, err = r.nodeID(); err != nil {
			return nil, err
		}
		if e.Name, err = r.string(); err != nil {
			return nil, err
		}
		if e.Bubbles, err = r.flag(); err != nil {
			return nil, err
		}
		params, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if e.Params, err = compactParams(params); err != nil {
			return nil, err
		}
		return e, nil

	case tagError:
		var e Error
		if e.Code, err = r.string(); err != nil {
			return nil, err
		}
		if e.Message, err = r.string(); err != nil {
			return nil, err
		}
		return e, nil

	case tagWarning:
		msg, err := r.string()
		if err != nil {
			return nil, err
		}
		return Warning{Message: msg}, nil

	case tagLog:
		level, err := r.string()
		if err != nil {
			return nil, err
		}
		content, err := r.string()
		if err != nil {
			return nil, err
		}
		return Log{Level: LogLevel(level), Content: content}, nil
	}
	return nil, fmt.Errorf("tag %d: %w", tag, ErrUnknownType)
}

func (r *reader) node(depth int) (tree.Subtree, error) {
	if depth > maxDepth {
		return tree.Subtree{}, fmt.Errorf("subtree deeper than %d: %w", maxDepth, ErrMalformed)
	}
	kind, err := r.byte()
	if err != nil {
		return tree.Subtree{}, err
	}
	id, err := r.nodeID()
	if err != nil {
		return tree.Subtree{}, err
	}

	switch kind {
	case kindText:
		text, err := r.string()
		if err != nil {
			return tree.Subtree{}, err
		}
		return tree.TextNode(id, text), nil

	case kindElement:
		s := tree.Subtree{ID: id}
		if s.Tag, err = r.string(); err != nil {
			return tree.Subtree{}, err
		}
		if s.Tag == "" {
			return tree.Subtree{}, fmt.Errorf("element %d without tag: %w", id, ErrMalformed)
		}
		attrs, err := r.count(minAttributeSize)
		if err != nil {
			return tree.Subtree{}, err
		}
		for i := 0; i < attrs; i++ {
			name, err := r.string()
			if err != nil {
				return tree.Subtree{}, err
			}
			value, err := r.string()
			if err != nil {
				return tree.Subtree{}, err
			}
			s.Attributes = append(s.Attributes, tree.Attribute{Name: name, Value: value})
		}
		children, err := r.count(minNodeSize)
		if err != nil {
			return tree.Subtree{}, err
		}
		if children > 0 {
			s.Children = make([]tree.Subtree, 0, children)
		}
		for i := 0; i < children; i++ {
			c, err := r.node(depth + 1)
			if err != nil {
				return tree.Subtree{}, err
			}
			s.Children = append(s.Children, c)
		}
		return s, nil
	}
	return tree.Subtree{}, fmt.Errorf("node kind %d: %w", kind, ErrMalformed)
}
