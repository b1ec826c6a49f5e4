// Package server provides the HTTP and WebSocket front of the host: one
// websocket per observer, routed to the session of the requested document,
// plus a small JSON API for listing and publishing documents.
package server

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	apperrors "github.com/treesync/host/internal/errors"
)

// NewServer creates a server for opts. Call StartAsync or StartAsyncTLS to
// serve.
func NewServer(opts Options) *Server {
	queue := opts.SendQueue
	if queue <= 0 {
		queue = channelBufferSize
	}
	return &Server{
		addr:        opts.Addr,
		registry:    opts.Registry,
		issuer:      opts.Issuer,
		requireAuth: opts.RequireAuth,
		sendQueue:   queue,
		tlsEnabled:  opts.TLS,
		startTime:   time.Now(),
		clients:     make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			// Observers are embedded in arbitrary pages; access control is
			// the bearer token, not the origin.
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			// Buffer sizes for reading and writing WebSocket frames.
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// ClientCount returns the number of open websockets across all documents.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// disconnect forgets c and removes it from its session. Safe to call more
// than once and from either pump.
func (s *Server) disconnect(c *Client, reason error) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	remaining := len(s.clients)
	s.mu.Unlock()

	select {
	case <-c.registered:
		// Not found just means the session dropped it first.
		c.session.RemoveConnection(c.id, reason)
	default:
	}
	if ok {
		glog.V(1).Infof("server: client %s gone (%d remaining)", c.conn.RemoteAddr(), remaining)
	}
}

// ErrorResponse is the JSON body of every HTTP error.
type ErrorResponse struct {
	// ErrorCode is the stable dotted taxonomy code (e.g., "server.document_not_found").
	ErrorCode string `json:"error_code"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.V(1).Infof("server: encode response: %v", err)
	}
}

// writeError writes err as an ErrorResponse with a status derived from its
// code.
func writeError(w http.ResponseWriter, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	writeJSON(w, statusFor(code), ErrorResponse{ErrorCode: code, Message: message})
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case apperrors.CodeServerDocumentNotFound, apperrors.CodeStorageNotFound:
		return http.StatusNotFound
	case apperrors.CodeAuthRequired, apperrors.CodeAuthInvalid, apperrors.CodeAuthExpired:
		return http.StatusUnauthorized
	case apperrors.CodeServerRateLimited:
		return http.StatusTooManyRequests
	case apperrors.CodeProtocolUnsupported,
		apperrors.CodeServerInvalidMessage,
		apperrors.CodeTreeInvalidMutation,
		apperrors.CodeBehaviorUnknownVerb,
		apperrors.CodeBehaviorInvalidRule:
		return http.StatusBadRequest
	case apperrors.CodeSessionClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// isLoopbackRequest checks if the request originates from a loopback address.
// This is used to restrict sensitive endpoints to local-only access.
func isLoopbackRequest(r *http.Request) bool {
	// Extract the host part from RemoteAddr (format is "host:port" or "[host]:port" for IPv6)
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		glog.Warningf("server: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		glog.Warningf("server: failed to parse IP from host %q", host)
		return false
	}

	// Check if it's a loopback address (127.0.0.0/8 for IPv4, ::1 for IPv6)
	return ip.IsLoopback()
}
