package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusResponse contains host status information returned by the /status endpoint.
// This structure is used by the CLI to display host status to the user.
type StatusResponse struct {
	// ListeningAddress is the address the host is listening on (e.g., "127.0.0.1:7373").
	ListeningAddress string `json:"listening_address"`

	// Documents are the names of the documents being served, sorted.
	Documents []string `json:"documents"`

	// ConnectedClients is the number of currently connected WebSocket clients.
	ConnectedClients int `json:"connected_clients"`

	// UptimeSeconds is how long the host has been running, in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// TLSEnabled indicates whether the host is using TLS encryption.
	TLSEnabled bool `json:"tls_enabled"`

	// RequireAuth indicates whether authentication is required for WebSocket connections.
	RequireAuth bool `json:"require_auth"`
}

// StatusHandler handles HTTP requests for host status.
// This endpoint is restricted to local machine addresses for security.
type StatusHandler struct {
	server *Server
}

// NewStatusHandler creates a new StatusHandler for s.
func NewStatusHandler(s *Server) *StatusHandler {
	return &StatusHandler{server: s}
}

// ServeHTTP handles HTTP GET requests to the /status endpoint.
//
// Security: This endpoint only responds to local machine requests.
// Non-local requests receive HTTP 403 Forbidden.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.server
	resp := StatusResponse{
		ListeningAddress: s.Addr(),
		Documents:        []string{},
		ConnectedClients: s.ClientCount(),
		UptimeSeconds:    int64(time.Since(s.startTime).Seconds()),
		TLSEnabled:       s.tlsEnabled,
		RequireAuth:      s.requireAuth,
	}
	if s.registry != nil {
		resp.Documents = s.registry.Names()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		// Log error but response is already partially sent
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
