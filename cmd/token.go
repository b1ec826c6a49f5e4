package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/treesync/host/internal/auth"
	"github.com/treesync/host/internal/config"
)

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.treesync/config.toml)")
	envFile := fs.String("env-file", "", "Path to a .env file with TREESYNC_* overrides (default: .env)")
	document := fs.String("doc", "", "Limit the token to one document (default: all documents)")
	ttl := fs.Duration("ttl", auth.DefaultTTL, "Token lifetime")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: treesync token [options] <subject>\n\nIssue a bearer token signed with the configured auth secret.\n\nOptions:\n")
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

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.AuthSecret == "" {
		fmt.Fprintf(stderr, "Error: no auth secret; set auth_secret or %s\n", config.EnvAuthSecret)
		return 1
	}

	issuer, err := auth.NewIssuer([]byte(cfg.AuthSecret))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := issuer.Issue(fs.Arg(0), *document, *ttl)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, token)
	fmt.Fprintf(stderr, "Expires %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
	return 0
}
