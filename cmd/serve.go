package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/golang/glog"

	"github.com/treesync/host/internal/auth"
	"github.com/treesync/host/internal/config"
	"github.com/treesync/host/internal/mdns"
	"github.com/treesync/host/internal/protocol"
	"github.com/treesync/host/internal/registry"
	"github.com/treesync/host/internal/server"
	"github.com/treesync/host/internal/session"
	"github.com/treesync/host/internal/storage"
	hosttls "github.com/treesync/host/internal/tls"
)

// presenceAttribute is kept on every document root as the number of
// connected observers.
const presenceAttribute = "data-observers"

// serveFlags are the command-line options of "treesync serve".
type serveFlags struct {
	Config      string
	EnvFile     string
	Addr        string
	Store       string
	TLSCert     string
	TLSKey      string
	NoTLS       bool
	RequireAuth bool
	Mdns        bool
	QR          bool
	Verbosity   int
	Documents   docList
}

// docList collects repeated --doc name=path flags.
type docList []config.DocumentSource

func (d *docList) String() string {
	return fmt.Sprint(*d)
}

func (d *docList) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected name=path, got %q", v)
	}
	*d = append(*d, config.DocumentSource{Name: name, Path: path})
	return nil
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f serveFlags
	fs.StringVar(&f.Config, "config", "", "Path to config file (default: ~/.treesync/config.toml)")
	fs.StringVar(&f.EnvFile, "env-file", "", "Path to a .env file with TREESYNC_* overrides (default: .env)")
	fs.StringVar(&f.Addr, "addr", "", "Listen address (default: "+config.DefaultAddr+")")
	fs.StringVar(&f.Store, "store", "", "Path to the SQLite store (default: ~/.treesync/treesync.db)")
	fs.StringVar(&f.TLSCert, "tls-cert", "", "Path to TLS certificate file (default: ~/.treesync/certs/host.crt)")
	fs.StringVar(&f.TLSKey, "tls-key", "", "Path to TLS key file (default: ~/.treesync/certs/host.key)")
	fs.BoolVar(&f.NoTLS, "no-tls", false, "Serve plain ws:// (for development)")
	fs.BoolVar(&f.RequireAuth, "require-auth", false, "Require a bearer token for observers and publishing")
	fs.BoolVar(&f.Mdns, "mdns", false, "Advertise the host with mDNS (LAN-visible)")
	fs.BoolVar(&f.QR, "qr", false, "Print the URL of each document as a QR code")
	fs.IntVar(&f.Verbosity, "v", 0, "Log verbosity (1: connections, 2: frames)")
	fs.Var(&f.Documents, "doc", "Serve a markup file as name=path (repeatable)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: treesync serve [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	explicit := make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) { explicit[fl.Name] = true })

	setupLogging(f.Verbosity)
	defer flushLogs()

	cfg, err := loadServeConfig(f, explicit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Store), 0700); err != nil {
		fmt.Fprintf(stderr, "Error: failed to create store directory: %v\n", err)
		return 1
	}
	store, err := storage.NewSQLiteStore(cfg.Store)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open store: %v\n", err)
		return 1
	}
	defer store.Close()

	rate, burst := cfg.EventLimit()
	reg := registry.New(registry.Options{
		RootTag: cfg.RootTag,
		Session: session.Config{
			PingInterval:     cfg.PingInterval(),
			TimeoutIntervals: cfg.TimeoutIntervals(),
			TickInterval:     cfg.TickInterval(),
			MaxBatch:         cfg.MaxBatch,
			EventRate:        rate,
			EventBurst:       burst,
		},
		Files:             cfg.Documents,
		PollInterval:      cfg.WatchPoll(),
		PresenceAttribute: presenceAttribute,
	}, store, store)
	if err := reg.Open(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer reg.Close()

	var issuer *auth.Issuer
	if cfg.AuthSecret != "" {
		issuer, err = auth.NewIssuer([]byte(cfg.AuthSecret))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	srv := server.NewServer(server.Options{
		Addr:        cfg.Addr,
		Registry:    reg,
		Issuer:      issuer,
		RequireAuth: cfg.RequireAuth,
		SendQueue:   cfg.SendQueueSize(),
		TLS:         !cfg.NoTLS,
	})

	var fingerprint string
	var startErr error
	if cfg.NoTLS {
		startErr = <-srv.StartAsync()
	} else {
		cert, err := hosttls.Ensure(hosttls.CertConfig{CertPath: cfg.TLSCert, KeyPath: cfg.TLSKey})
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fingerprint = cert.Fingerprint
		startErr = <-srv.StartAsyncTLS(server.TLSConfig{CertPath: cert.CertPath, KeyPath: cert.KeyPath})
	}
	if startErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", startErr)
		return 1
	}
	defer srv.Stop()

	addr := srv.Addr()
	scheme := "wss"
	if cfg.NoTLS {
		scheme = "ws"
	}
	fmt.Fprintf(stdout, "Serving %d document(s) on %s\n", len(reg.Names()), addr)
	if fingerprint != "" {
		fmt.Fprintf(stdout, "Certificate fingerprint: %s\n", fingerprint)
	}
	for _, name := range reg.Names() {
		url := documentURL(scheme, addr, name)
		fmt.Fprintf(stdout, "  %s  %s\n", name, url)
		if f.QR {
			displayQRCode(stdout, url)
		}
	}

	if cfg.MdnsEnabled {
		port, err := portOf(addr)
		if err != nil {
			fmt.Fprintf(stderr, "Warning: mDNS disabled: %v\n", err)
		} else {
			adv := mdns.NewAdvertiser(mdns.Config{
				Port:         port,
				Subprotocols: protocol.Supported(),
				Fingerprint:  fingerprint,
				RequireAuth:  cfg.RequireAuth,
			})
			if err := adv.Start(); err != nil {
				fmt.Fprintf(stderr, "Warning: %v\n", err)
			} else {
				defer adv.Stop()
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
	glog.Infof("serve: shutting down")
	return 0
}

// loadServeConfig merges the config file, environment and flags, then
// validates the result. Explicit flags always win.
func loadServeConfig(f serveFlags, explicit map[string]bool) (*config.Config, error) {
	cfg, err := config.Load(f.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(f.EnvFile); err != nil {
		return nil, err
	}

	if f.Addr != "" {
		cfg.Addr = f.Addr
	}
	if f.Store != "" {
		cfg.Store = f.Store
	}
	if f.TLSCert != "" {
		cfg.TLSCert = f.TLSCert
	}
	if f.TLSKey != "" {
		cfg.TLSKey = f.TLSKey
	}
	if explicit["no-tls"] {
		cfg.NoTLS = f.NoTLS
	}
	if explicit["require-auth"] {
		cfg.RequireAuth = f.RequireAuth
	}
	if explicit["mdns"] {
		cfg.MdnsEnabled = f.Mdns
	}
	cfg.Documents = append(cfg.Documents, f.Documents...)

	if cfg.Addr == "" {
		cfg.Addr = config.DefaultAddr
	}
	if cfg.Store == "" {
		cfg.Store, err = config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func documentURL(scheme, addr, name string) string {
	return fmt.Sprintf("%s://%s/v1/documents/%s/ws", scheme, addr, name)
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
