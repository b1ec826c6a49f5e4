package main

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/treesync/host/internal/config"
	"github.com/treesync/host/internal/server"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", config.DefaultAddr, "Host address to query")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: treesync status [options]\n\nShow the status of a running host. Only answered on loopback.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	status, err := queryHostStatus(*addr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(status)
		return 0
	}
	writeStatusOutput(stdout, status)
	return 0
}

// writeStatusOutput renders human-readable host status output.
func writeStatusOutput(stdout io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(stdout, "Host Status\n")
	fmt.Fprintf(stdout, "===========\n")
	fmt.Fprintf(stdout, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(stdout, "TLS:          %v\n", status.TLSEnabled)
	fmt.Fprintf(stdout, "Auth:         %v\n", status.RequireAuth)
	fmt.Fprintf(stdout, "Clients:      %d connected\n", status.ConnectedClients)
	fmt.Fprintf(stdout, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
	if len(status.Documents) == 0 {
		fmt.Fprintf(stdout, "Documents:    none\n")
	} else {
		fmt.Fprintf(stdout, "Documents:    %s\n", strings.Join(status.Documents, ", "))
	}
}

// hostClient skips verification: the host's certificate is self-signed
// and these requests only go to an address the user named.
func hostClient() *http.Client {
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

// queryHostStatus queries the running host for status information.
// Tries HTTPS first (default), falls back to HTTP for --no-tls mode.
func queryHostStatus(addr string) (*server.StatusResponse, error) {
	resp, err := queryHostStatusWithScheme("https", addr)
	if err == nil {
		return resp, nil
	}
	resp, err = queryHostStatusWithScheme("http", addr)
	if err != nil {
		return nil, fmt.Errorf("host is not running at %s (or not reachable)", addr)
	}
	return resp, nil
}

// queryHostStatusWithScheme makes an HTTP GET request to the /status endpoint.
func queryHostStatusWithScheme(scheme, addr string) (*server.StatusResponse, error) {
	resp, err := hostClient().Get(fmt.Sprintf("%s://%s/status", scheme, addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &status, nil
}

// formatUptime formats an uptime in seconds as a human-readable string.
// Examples: "45s", "5m 23s", "2h 15m", "3d 4h"
func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}
