package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/treesync/host/internal/config"
	"github.com/treesync/host/internal/registry"
	"github.com/treesync/host/internal/server"
)

// envToken supplies the bearer token for publish and watch.
const envToken = "TREESYNC_TOKEN"

func runPublish(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(stderr)

	addr := fs.String("addr", config.DefaultAddr, "Host address")
	token := fs.String("token", "", "Bearer token (default: $"+envToken+")")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: treesync publish [options] <name> <file>\n\nPublish markup to a running host. Observers of an existing document get a fresh snapshot.\nUse - as the file to read stdin.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return 1
	}
	name, file := fs.Arg(0), fs.Arg(1)

	var source []byte
	var err error
	if file == "-" {
		source, err = io.ReadAll(os.Stdin)
	} else {
		source, err = os.ReadFile(file)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *token == "" {
		*token = os.Getenv(envToken)
	}

	info, err := publishDocument(*addr, name, source, *token)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Published %s (version %d, %d observer(s))\n", info.Name, info.Version, info.Connections)
	return 0
}

// publishDocument PUTs source to the host, trying HTTPS first and falling
// back to HTTP for --no-tls hosts.
func publishDocument(addr, name string, source []byte, token string) (*registry.Info, error) {
	info, err := publishWithScheme("https", addr, name, source, token)
	var hostErr *hostError
	if err == nil || errors.As(err, &hostErr) {
		return info, err
	}
	return publishWithScheme("http", addr, name, source, token)
}

// hostError is an error response from the host, as opposed to a transport
// failure.
type hostError struct {
	status int
	server.ErrorResponse
}

func (e *hostError) Error() string {
	if e.ErrorCode == "" {
		return fmt.Sprintf("host returned %d", e.status)
	}
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

func publishWithScheme(scheme, addr, name string, source []byte, token string) (*registry.Info, error) {
	u := fmt.Sprintf("%s://%s/v1/documents/%s", scheme, addr, url.PathEscape(name))
	req, err := http.NewRequest(http.MethodPut, u, bytes.NewReader(source))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/html; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hostClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e := &hostError{status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(&e.ErrorResponse)
		return nil, e
	}

	var info registry.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &info, nil
}
