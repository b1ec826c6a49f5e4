package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/treesync/host/internal/client"
	"github.com/treesync/host/internal/mutation"
	"github.com/treesync/host/internal/protocol"
	hosttls "github.com/treesync/host/internal/tls"
	"github.com/treesync/host/internal/tree"
)

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	token := fs.String("token", "", "Bearer token (default: $"+envToken+")")
	protos := fs.String("proto", "", "Comma-separated subprotocols to offer, preferred first (default: all)")
	fingerprint := fs.String("fingerprint", "", "Pin the host certificate by SHA-256 fingerprint (wss only)")
	insecure := fs.Bool("insecure", false, "Accept any host certificate (wss only)")
	once := fs.Bool("once", false, "Print the first snapshot and exit")
	verbosity := fs.Int("v", 0, "Log verbosity (1: state changes, 2: frames)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: treesync watch [options] <url>\n\nMirror a document and print its markup whenever it changes.\nExample: treesync watch --insecure wss://127.0.0.1:7373/v1/documents/home/ws\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	setupLogging(*verbosity)
	defer flushLogs()

	if *token == "" {
		*token = os.Getenv(envToken)
	}
	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
	}

	dialer := *websocket.DefaultDialer
	if *fingerprint != "" {
		dialer.TLSClientConfig = pinnedTLSConfig(*fingerprint)
	} else if *insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var offered []string
	if *protos != "" {
		offered = strings.Split(*protos, ",")
	}

	var (
		outMu     sync.Mutex
		firstOnce sync.Once
	)
	first := make(chan struct{})
	// Callbacks may fire before New returns.
	ready := make(chan struct{})

	var r *client.Reconciler
	r = client.New(client.Config{
		URL:          fs.Arg(0),
		Subprotocols: offered,
		Header:       header,
		Dialer:       &dialer,
		OnStateChange: func(from, to client.State) {
			fmt.Fprintf(stderr, "[%s]\n", to)
		},
		OnLog: func(level protocol.LogLevel, content string) {
			fmt.Fprintf(stderr, "%s: %s\n", level, content)
		},
		OnMirrorChange: func(records []mutation.Record) {
			<-ready
			mirror, ok := r.Mirror()
			if !ok {
				return
			}
			outMu.Lock()
			writeMirror(stdout, mirror, records)
			outMu.Unlock()
			if records == nil {
				firstOnce.Do(func() { close(first) })
			}
		},
	})
	close(ready)
	defer r.Dispose()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if *once {
		select {
		case <-first:
		case <-sigCh:
			return 1
		}
		return 0
	}
	<-sigCh
	return 0
}

// writeMirror prints the mirror after a change: a full render after a
// snapshot, preceded by a one-line summary after diffs.
func writeMirror(w io.Writer, mirror tree.Subtree, records []mutation.Record) {
	if records == nil {
		fmt.Fprintf(w, "--- snapshot (%d nodes)\n", mirror.Count())
	} else {
		fmt.Fprintf(w, "--- %d change(s)\n", len(records))
	}
	fmt.Fprintln(w, tree.MarkupString(mirror))
}

// pinnedTLSConfig accepts exactly the certificate with the given SHA-256
// fingerprint, the way observers trust a self-signed host.
func pinnedTLSConfig(fingerprint string) *tls.Config {
	want := strings.ToUpper(strings.TrimSpace(fingerprint))
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("host sent no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return err
			}
			if got := hosttls.Fingerprint(cert); got != want {
				return fmt.Errorf("certificate fingerprint mismatch: got %s", got)
			}
			return nil
		},
	}
}
