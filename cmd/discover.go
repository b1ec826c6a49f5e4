package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/treesync/host/internal/mdns"
)

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: treesync discover [options]\n\nBrowse the local network for hosts started with --mdns.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	hosts, err := mdns.Discover(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(hosts) == 0 {
		fmt.Fprintln(stdout, "No hosts found.")
		return 0
	}
	for _, h := range hosts {
		fmt.Fprintf(stdout, "%s\n", h.Name)
		fmt.Fprintf(stdout, "  URL:          %s\n", h.URL("{name}"))
		fmt.Fprintf(stdout, "  Subprotocols: %s\n", strings.Join(h.Subprotocols, ", "))
		fmt.Fprintf(stdout, "  Auth:         %v\n", h.RequireAuth)
		if h.Fingerprint != "" {
			fmt.Fprintf(stdout, "  Fingerprint:  %s\n", h.Fingerprint)
		}
	}
	return 0
}
