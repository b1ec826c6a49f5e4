// Package mdns advertises the host on the local network with DNS-SD so
// observers can find it without typing an address. Advertising is opt-in.
//
// TXT records carry the supported subprotocols, the websocket path
// template, whether a token is required, and the certificate fingerprint
// when TLS is on. Discovery only reveals presence; tokens are still
// required when the host asks for them.
package mdns

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type of treesync hosts.
const ServiceType = "_treesync._tcp"

// WebSocketPath is the path template observers dial; {name} is the
// document name.
const WebSocketPath = "/v1/documents/{name}/ws"

// maxTXT is the DNS limit on one TXT string.
const maxTXT = 255

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the server port to advertise.
	Port int

	// Name is the instance name. Defaults to the hostname.
	Name string

	// Subprotocols are the websocket subprotocols the host accepts,
	// preferred first.
	Subprotocols []string

	// Fingerprint is the TLS certificate fingerprint; empty without TLS.
	Fingerprint string

	// RequireAuth tells observers a token is needed.
	RequireAuth bool
}

// Records returns the TXT records advertised for cfg.
func (cfg Config) Records() []string {
	records := []string{
		"path=" + WebSocketPath,
		"auth=" + strconv.FormatBool(cfg.RequireAuth),
	}
	if len(cfg.Subprotocols) > 0 {
		protos := "proto=" + strings.Join(cfg.Subprotocols, ",")
		if len(protos) <= maxTXT {
			records = append(records, protos)
		}
	}
	if cfg.Fingerprint != "" {
		// A SHA-256 fingerprint is 95 characters, well under the limit.
		records = append(records, "fp="+cfg.Fingerprint)
	}
	return records
}

// Advertiser manages the DNS-SD registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates an advertiser. Nothing is sent until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{config: cfg}
}

// Start registers the service. Calling it again while running is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		name = "treesync"
		if h, err := os.Hostname(); err == nil {
			name = h
		}
	}

	server, err := zeroconf.Register(name, ServiceType, "local.", a.config.Port, a.config.Records(), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	glog.Infof("mdns: advertising %s as %q on port %d", ServiceType, name, a.config.Port)
	a.server = server
	return nil
}

// Stop unregisters the service. Safe to call when not running.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning reports whether the service is registered.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is a host found by Discover.
type DiscoveredHost struct {
	Name         string
	Host         string
	Port         int
	Path         string
	Subprotocols []string
	Fingerprint  string
	RequireAuth  bool
}

// URL returns the websocket URL of document on h.
func (h DiscoveredHost) URL(document string) string {
	scheme := "ws"
	if h.Fingerprint != "" {
		scheme = "wss"
	}
	path := h.Path
	if path == "" {
		path = WebSocketPath
	}
	host := h.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, h.Port, strings.Replace(path, "{name}", document, 1))
}

// parseRecords fills h from TXT records. Unknown keys are ignored.
func (h *DiscoveredHost) parseRecords(records []string) {
	for _, txt := range records {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			h.Path = value
		case "proto":
			h.Subprotocols = strings.Split(value, ",")
		case "fp":
			h.Fingerprint = value
		case "auth":
			h.RequireAuth, _ = strconv.ParseBool(value)
		}
	}
}

// Discover browses for hosts until ctx is done.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		hosts []DiscoveredHost
		wg    sync.WaitGroup
	)
	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			h := DiscoveredHost{Name: entry.Instance, Port: entry.Port}
			// Prefer IPv4.
			if len(entry.AddrIPv4) > 0 {
				h.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				h.Host = entry.AddrIPv6[0].String()
			}
			h.parseRecords(entry.Text)
			hosts = append(hosts, h)
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	// zeroconf closes entries once ctx is done.
	wg.Wait()
	return hosts, nil
}
