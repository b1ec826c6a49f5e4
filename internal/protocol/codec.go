package protocol

import (
	"errors"

	apperrors "github.com/treesync/host/internal/errors"
)

// Subprotocol identifiers used in the Sec-WebSocket-Protocol header.
const (
	SubprotocolV1 = "networked-tree-v0.1"
	SubprotocolV2 = "networked-tree-v0.2"
)

// Decode failures. They are wrapped with detail; test with errors.Is.
var (
	ErrTruncated     = errors.New("frame truncated")
	ErrTrailingBytes = errors.New("trailing bytes in frame")
	ErrUnknownType   = errors.New("unknown message type")
	ErrInvalidUTF8   = errors.New("invalid utf-8 string")
	ErrMalformed     = errors.New("malformed message")
)

// Codec turns messages into websocket payloads and back.
type Codec interface {
	// Subprotocol returns the identifier this codec is negotiated under.
	Subprotocol() string

	// Binary reports whether payloads go in binary websocket frames.
	Binary() bool

	// Encode returns one or more websocket payloads that together carry
	// msgs in order.
	Encode(msgs ...Message) ([][]byte, error)

	// Decode parses one websocket payload. Any failure means the payload
	// must be rejected in full.
	Decode(payload []byte) ([]Message, error)
}

var codecs = map[string]Codec{
	SubprotocolV1: JSONCodec{},
	SubprotocolV2: BinaryCodec{},
}

// Supported lists the subprotocols we accept, preferred first.
func Supported() []string {
	return []string{SubprotocolV2, SubprotocolV1}
}

// ForSubprotocol returns the codec registered for name.
func ForSubprotocol(name string) (Codec, bool) {
	c, ok := codecs[name]
	return c, ok
}

// Negotiate picks the codec for a connection from the subprotocols the
// peer offered, honouring the peer's order. A peer that offers nothing is a
// legacy client and gets v0.1. A peer that offers only unknown
// subprotocols is rejected with protocol.unsupported.
func Negotiate(offered []string) (Codec, error) {
	if len(offered) == 0 {
		return JSONCodec{}, nil
	}
	for _, name := range offered {
		if c, ok := codecs[name]; ok {
			return c, nil
		}
	}
	return nil, apperrors.ProtocolUnsupported(offered)
}
