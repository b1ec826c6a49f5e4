package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/treesync/host/internal/auth"
	apperrors "github.com/treesync/host/internal/errors"
	"github.com/treesync/host/internal/protocol"
	"github.com/treesync/host/internal/session"
)

// registerTimeout bounds the snapshot + registration of a new observer.
const registerTimeout = 10 * time.Second

// createRouter creates the HTTP router with all endpoints.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Health check endpoint for monitoring
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Status endpoint for the "treesync status" CLI command. Local only.
	r.Method(http.MethodGet, "/status", NewStatusHandler(s))

	r.Route("/v1/documents", func(r chi.Router) {
		r.Get("/", s.handleListDocuments)
		r.Get("/{name}", s.handleGetDocument)
		r.Put("/{name}", s.handlePublishDocument)
		r.Get("/{name}/ws", s.handleWebSocket)
	})

	return r
}

// authenticate checks the bearer token when auth is required. It returns
// the token subject, or "" when auth is off.
func (s *Server) authenticate(r *http.Request, document string) (string, error) {
	if !s.requireAuth {
		return "", nil
	}
	if s.issuer == nil {
		return "", apperrors.New(apperrors.CodeAuthInvalid, "no token issuer configured")
	}
	token := auth.BearerToken(r)
	if token == "" {
		return "", apperrors.AuthRequired()
	}
	claims, err := s.issuer.Validate(token)
	if err != nil {
		return "", err
	}
	if !claims.Allows(document) {
		return "", apperrors.New(apperrors.CodeAuthInvalid, "token is not valid for "+document)
	}
	return claims.Subject, nil
}

// handleWebSocket negotiates a subprotocol, upgrades the connection and
// registers it with the document's session, which sends the snapshot.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess, ok := s.registry.Get(name)
	if !ok {
		writeError(w, apperrors.DocumentNotFound(name))
		return
	}

	subject, err := s.authenticate(r, name)
	if err != nil {
		glog.Infof("server: websocket for %s rejected: %v", name, err)
		writeError(w, err)
		return
	}

	// Refuse before upgrading so the observer gets a plain HTTP 400 it can
	// report, instead of a websocket that closes immediately.
	offered := websocket.Subprotocols(r)
	codec, err := protocol.Negotiate(offered)
	if err != nil {
		glog.Infof("server: websocket for %s rejected: %v", name, err)
		writeError(w, err)
		return
	}

	var header http.Header
	if len(offered) > 0 {
		header = http.Header{"Sec-Websocket-Protocol": {codec.Subprotocol()}}
	}

	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// The upgrader has already written an HTTP error.
		glog.Warningf("server: %v", apperrors.Wrap(apperrors.CodeServerUpgradeFailed, "upgrade", err))
		return
	}

	client := &Client{
		conn:       conn,
		server:     s,
		session:    sess,
		codec:      codec,
		frameType:  websocket.TextMessage,
		send:       make(chan []byte, s.sendQueue),
		done:       make(chan struct{}),
		registered: make(chan struct{}),
	}
	if codec.Binary() {
		client.frameType = websocket.BinaryMessage
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	// Start writePump before registering: the session sends the snapshot
	// as part of registration.
	go client.writePump()
	go client.readPump()

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()
	id, err := sess.AddConnection(ctx, client, codec, session.ConnectionInfo{
		Subprotocol: codec.Subprotocol(),
		RemoteAddr:  r.RemoteAddr,
		Subject:     subject,
	})
	if err != nil {
		glog.Warningf("server: register observer for %s: %v", name, err)
		client.closeSend()
		s.disconnect(client, err)
		return
	}
	client.id = id
	close(client.registered)
}

// handleListDocuments serves GET /v1/documents.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleGetDocument serves GET /v1/documents/{name}: the current tree as
// markup, or as a v0.1 snapshot message with ?format=json.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	sess, ok := s.registry.Get(name)
	if !ok {
		writeError(w, apperrors.DocumentNotFound(name))
		return
	}
	if _, err := s.authenticate(r, name); err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		snap, err := sess.Snapshot(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		payloads, err := protocol.JSONCodec{}.Encode(snap)
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeProtocolEncodeFailed, "encode snapshot", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		for _, p := range payloads {
			w.Write(p)
		}
		return
	}

	markup, err := sess.Markup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, markup)
}

// handlePublishDocument serves PUT /v1/documents/{name}. The body is the
// new markup source.
func (s *Server) handlePublishDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.authenticate(r, name); err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPublishSize+1))
	if err != nil {
		writeError(w, apperrors.New(apperrors.CodeServerInvalidMessage, "read body: "+err.Error()))
		return
	}
	if len(body) > maxPublishSize {
		writeError(w, apperrors.New(apperrors.CodeServerInvalidMessage, "document too large"))
		return
	}
	if strings.TrimSpace(string(body)) == "" {
		writeError(w, apperrors.New(apperrors.CodeServerInvalidMessage, "empty document"))
		return
	}

	info, err := s.registry.Publish(r.Context(), name, string(body))
	if err != nil {
		glog.Warningf("server: publish %s: %v", name, err)
		writeError(w, err)
		return
	}
	glog.Infof("server: published %s version %d (%d bytes)", name, info.Version, len(body))
	writeJSON(w, http.StatusOK, info)
}
