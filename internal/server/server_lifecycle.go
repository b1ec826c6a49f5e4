package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/golang/glog"

	apperrors "github.com/treesync/host/internal/errors"
)

// TLSConfig holds the TLS configuration for the server.
type TLSConfig struct {
	// CertPath is the path to the TLS certificate file.
	CertPath string
	// KeyPath is the path to the TLS private key file.
	KeyPath string
}

// Handler returns the HTTP handler the server serves. Exposed for tests
// and for embedding in another listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// StartAsync starts the server in a goroutine and returns any startup errors.
//
// The returned channel receives nil if startup succeeded, or an error if
// the listener could not be created (e.g., port already in use).
// After receiving from the channel, the server is either running or failed.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	// Create the listener first to detect port conflicts immediately.
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}
	s.serve(ln, errCh, "")
	return errCh
}

// StartAsyncTLS is StartAsync with TLS. When TLS is configured, the server
// only accepts HTTPS/WSS connections.
func (s *Server) StartAsyncTLS(tlsCfg TLSConfig) <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		ln.Close()
		errCh <- fmt.Errorf("failed to load TLS certificate: %w", err)
		close(errCh)
		return errCh
	}

	// MinVersion TLS 1.2 is widely supported and excludes older insecure versions.
	tlsLn := tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	s.serve(tlsLn, errCh, " (TLS enabled)")
	return errCh
}

func (s *Server) serve(ln net.Listener, errCh chan<- error, note string) {
	s.mu.Lock()
	if hasZeroPort(s.addr) {
		// Report the real port when the OS picked one.
		s.addr = ln.Addr().String()
	}
	s.httpServer = &http.Server{Handler: s.createRouter()}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		glog.Infof("server: listening on %s%s", ln.Addr(), note)
		errCh <- nil
		close(errCh)

		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			glog.Errorf("server: %v", err)
		}
	}()
}

func hasZeroPort(addr string) bool {
	if addr == "" {
		return true
	}
	_, port, err := net.SplitHostPort(addr)
	return err == nil && (port == "" || port == "0")
}

// Stop closes every observer websocket and the HTTP server. Sessions are
// not closed; the registry owns them.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true

	// writePump sends the close frame when it sees done; writing here
	// would race with it.
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	srv := s.httpServer
	s.mu.Unlock()

	for _, client := range clients {
		client.closeSend()
		s.disconnect(client, apperrors.New(apperrors.CodeServerConnectionLost, "server stopping"))
	}

	if srv != nil {
		return srv.Close()
	}
	return nil
}
