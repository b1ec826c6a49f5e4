package server

import (
	"net/http"
	"sync"
	"time"

	// gorilla/websocket provides the observer transport: one websocket per
	// observer, subprotocol negotiated at upgrade.
	"github.com/gorilla/websocket"

	"github.com/treesync/host/internal/auth"
	"github.com/treesync/host/internal/protocol"
	"github.com/treesync/host/internal/registry"
	"github.com/treesync/host/internal/session"
)

// channelBufferSize is the default per-client send queue. A client whose
// queue fills up is disconnected: the session must never skip a diff for
// one observer while others get it.
const channelBufferSize = 256

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// maxMessageSize is the largest frame accepted from an observer.
	maxMessageSize = 512 * 1024

	// maxPublishSize is the largest document accepted by PUT.
	maxPublishSize = 8 << 20
)

// Options configures a Server.
type Options struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:7373").
	Addr string

	// Registry serves the documents. Required.
	Registry *registry.Registry

	// Issuer validates bearer tokens. Required when RequireAuth is set.
	Issuer *auth.Issuer

	// RequireAuth rejects websocket upgrades and publishes without a valid
	// bearer token.
	RequireAuth bool

	// SendQueue is the per-client send queue length. Zero means
	// channelBufferSize.
	SendQueue int

	// TLS reports whether the listener will be wrapped in TLS; only used
	// for status output.
	TLS bool
}

// Server accepts observer websockets and the document HTTP API.
type Server struct {
	// addr is the address to listen on (e.g., "127.0.0.1:7373")
	addr string

	registry    *registry.Registry
	issuer      *auth.Issuer
	requireAuth bool
	sendQueue   int
	tlsEnabled  bool

	// upgrader converts HTTP connections to WebSocket connections.
	// Subprotocols is left nil: negotiation happens before the upgrade and
	// the chosen subprotocol is passed in the response header.
	upgrader websocket.Upgrader

	// httpServer is the underlying HTTP server, kept for shutdown.
	httpServer *http.Server

	// startTime is used for uptime in /status.
	startTime time.Time

	// mu protects clients and stopped.
	mu      sync.RWMutex
	clients map[*Client]struct{}
	stopped bool
}

// Client is one observer websocket. It implements session.Channel: the
// session pushes encoded frames into send and writePump writes them out.
type Client struct {
	conn    *websocket.Conn
	server  *Server
	session *session.Session
	codec   protocol.Codec

	// id is assigned once the session has registered the client.
	id session.ConnectionID

	// frameType is websocket.BinaryMessage for binary codecs, TextMessage
	// otherwise.
	frameType int

	send     chan []byte
	done     chan struct{}
	sendOnce sync.Once

	// registered is closed once id is set, so readPump does not hand the
	// session frames before it knows the connection.
	registered chan struct{}
}
