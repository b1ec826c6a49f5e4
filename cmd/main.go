package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang/glog"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `treesync - replicate a document tree to live observers

Usage:
  treesync <command> [options]

Commands:
  serve                    Serve documents to observers
  status                   Show status of a running host
  watch <url>              Mirror a document and print it as it changes
  publish <name> <file>    Publish or replace a document on a running host
  token <subject>          Issue a bearer token
  connections [document]   Show the connection log
  discover                 Find hosts on the local network
  init                     Write a default config file
  version                  Print the version
Run 'treesync <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "watch":
		return runWatch(args[2:], stdout, stderr)
	case "publish":
		return runPublish(args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "connections":
		return runConnections(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "treesync %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}

// setupLogging points glog at stderr with the given verbosity. glog
// registers its flags on the default flag set, which subcommands do not
// parse.
func setupLogging(verbosity int) {
	flag.Set("logtostderr", "true")
	flag.Set("v", strconv.Itoa(verbosity))
}

// flushLogs is deferred by long-running commands.
func flushLogs() {
	glog.Flush()
}
