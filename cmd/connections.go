package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/treesync/host/internal/config"
	"github.com/treesync/host/internal/storage"
)

func runConnections(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("connections", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storePath := fs.String("store", "", "Path to the SQLite store (default: ~/.treesync/treesync.db)")
	limit := fs.Int("limit", 20, "Maximum number of connections to show")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: treesync connections [options] [document]\n\nShow recent observer connections, newest first.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return 1
	}

	if *storePath == "" {
		p, err := config.DefaultStorePath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		*storePath = p
	}
	if _, err := os.Stat(*storePath); err != nil {
		fmt.Fprintf(stderr, "Error: no store at %s\n", *storePath)
		return 1
	}

	store, err := storage.NewSQLiteStore(*storePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	records, err := store.ListConnections(fs.Arg(0), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, "No connections recorded.")
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tID\tSUBPROTOCOL\tREMOTE\tSUBJECT\tOPENED\tDURATION\tCLOSE")
	for _, rec := range records {
		duration, reason := "open", ""
		if rec.ClosedAt != nil {
			duration = rec.ClosedAt.Sub(rec.OpenedAt).Round(time.Second).String()
			reason = rec.CloseReason
		}
		subject := rec.Subject
		if subject == "" {
			subject = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Document, rec.ConnectionID, rec.Subprotocol, rec.RemoteAddr, subject,
			rec.OpenedAt.Local().Format("2006-01-02 15:04:05"), duration, reason)
	}
	tw.Flush()
	return 0
}
