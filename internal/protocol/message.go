// Package protocol defines the messages exchanged between a replication
// session and its observers, and the two wire codecs that carry them:
// a JSON text form (networked-tree-v0.1) and a compact binary form
// (networked-tree-v0.2).
//
// Both codecs carry the same message set and round-trip every message:
// Decode(Encode(m)) == m. A connection uses one codec for its whole
// lifetime; which one is chosen by Negotiate at upgrade time.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/tree"
)

// MessageType identifies the kind of message on the wire.
// The string values are the "type" field of the v0.1 JSON form.
type MessageType string

const (
	// TypeSnapshot carries a complete pre-order serialisation of the tree.
	// Sent on connect and after every reload.
	// Direction: host -> observer
	TypeSnapshot MessageType = "snapshot"

	// TypeChildrenChanged inserts and/or removes children of a node.
	// Direction: host -> observer
	TypeChildrenChanged MessageType = "childrenChanged"

	// TypeAttributeChange sets or removes attributes of a node.
	// v0.1 carries exactly one attribute per message; v0.2 carries a list.
	// Direction: host -> observer
	TypeAttributeChange MessageType = "attributeChange"

	// TypeTextChanged replaces the content of a text node.
	// Direction: host -> observer
	TypeTextChanged MessageType = "textChanged"

	// TypePing is the keepalive probe. It also carries the document time
	// so idle observers keep their clocks aligned.
	// Direction: host -> observer
	TypePing MessageType = "ping"

	// TypePong answers a ping with the same sequence number.
	// Direction: observer -> host
	TypePong MessageType = "pong"

	// TypeEvent is an interaction event raised by an observer.
	// Direction: observer -> host
	TypeEvent MessageType = "event"

	// TypeError reports a failure to an observer.
	// Direction: host -> observer
	TypeError MessageType = "error"

	// TypeWarning reports a non-fatal condition, such as a dropped event.
	// Direction: host -> observer
	TypeWarning MessageType = "warning"

	// TypeLog forwards a diagnostic line from the document's behaviour layer.
	// This is not replicated-tree traffic.
	// Direction: host -> observer
	TypeLog MessageType = "log"
)

// Message is any protocol message.
type Message interface {
	Type() MessageType
}

// Snapshot rebuilds a mirror from nothing.
type Snapshot struct {
	Root         tree.Subtree
	DocumentTime int64
}

// ChildrenChanged is a ChildListChange on the wire.
type ChildrenChanged struct {
	Change       mutation.ChildListChange
	DocumentTime *int64
}

// AttributesChanged is an AttributesChange on the wire.
type AttributesChanged struct {
	Change       mutation.AttributesChange
	DocumentTime *int64
}

// TextChanged is a TextChange on the wire.
type TextChanged struct {
	Change       mutation.TextChange
	DocumentTime *int64
}

// Ping probes liveness. Seq increases by one per ping on a connection.
type Ping struct {
	Seq          uint64
	DocumentTime int64
}

// Pong echoes a Ping's Seq.
type Pong struct {
	Seq uint64
}

// Event is raised by an observer against a node of its mirror. Params is
// an arbitrary JSON value (nil when absent or null). Both codecs carry
// Params in compact form, so a decoded event holds the compacted value.
// The connection the event arrived on is not part of the message; the
// session supplies it.
type Event struct {
	TargetID tree.NodeID
	Name     string
	Bubbles  bool
	Params   json.RawMessage
}

// compactParams returns event params in the form both codecs put on the
// wire: nil for absent or null, otherwise compact JSON.
func compactParams(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, fmt.Errorf("event params: %w: %v", ErrMalformed, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}

// Error reports a failure. Code is a stable errors code, may be empty.
type Error struct {
	Code    string
	Message string
}

// Warning reports a non-fatal condition.
type Warning struct {
	Message string
}

// LogLevel is the severity of a forwarded diagnostic line.
type LogLevel string

// Log levels, most to least severe.
const (
	LevelSystem LogLevel = "system"
	LevelError  LogLevel = "error"
	LevelWarn   LogLevel = "warn"
	LevelLog    LogLevel = "log"
	LevelInfo   LogLevel = "info"
)

// Valid reports whether l is one of the known levels.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelSystem, LevelError, LevelWarn, LevelLog, LevelInfo:
		return true
	}
	return false
}

// Log forwards a LogMessage from the document to observers.
type Log struct {
	Level   LogLevel
	Content string
}

func (Snapshot) Type() MessageType          { return TypeSnapshot }
func (ChildrenChanged) Type() MessageType   { return TypeChildrenChanged }
func (AttributesChanged) Type() MessageType { return TypeAttributeChange }
func (TextChanged) Type() MessageType       { return TypeTextChanged }
func (Ping) Type() MessageType              { return TypePing }
func (Pong) Type() MessageType              { return TypePong }
func (Event) Type() MessageType             { return TypeEvent }
func (Error) Type() MessageType             { return TypeError }
func (Warning) Type() MessageType           { return TypeWarning }
func (Log) Type() MessageType               { return TypeLog }

// DiffMessage wraps a mutation record for the wire.
func DiffMessage(rec mutation.Record, documentTime *int64) Message {
	switch r := rec.(type) {
	case mutation.ChildListChange:
		return ChildrenChanged{Change: r, DocumentTime: documentTime}
	case mutation.AttributesChange:
		return AttributesChanged{Change: r, DocumentTime: documentTime}
	case mutation.TextChange:
		return TextChanged{Change: r, DocumentTime: documentTime}
	}
	return nil
}

// DiffMessages wraps every record; only the last carries documentTime.
func DiffMessages(records []mutation.Record, documentTime int64) []Message {
	out := make([]Message, 0, len(records))
	for i, rec := range records {
		var t *int64
		if i == len(records)-1 {
			t = &documentTime
		}
		if m := DiffMessage(rec, t); m != nil {
			out = append(out, m)
		}
	}
	return out
}

// Record unwraps a diff message. ok is false for non-diff messages.
func Record(m Message) (rec mutation.Record, documentTime *int64, ok bool) {
	switch m := m.(type) {
	case ChildrenChanged:
		return m.Change, m.DocumentTime, true
	case AttributesChanged:
		return m.Change, m.DocumentTime, true
	case TextChanged:
		return m.Change, m.DocumentTime, true
	}
	return nil, nil, false
}
