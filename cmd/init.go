package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/treesync/host/internal/config"
)

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "Where to write the config file (default: ~/.treesync/config.toml)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: treesync init [options]\n\nWrite a default config file. An existing file is left alone.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		*path = p
	}
	if _, err := os.Stat(*path); err == nil {
		fmt.Fprintf(stdout, "Config already exists at %s\n", *path)
		return 0
	}
	if err := config.WriteDefault(*path); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %s\n", *path)
	return 0
}
