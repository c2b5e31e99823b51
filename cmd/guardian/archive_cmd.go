package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/openclaw/guardian/pkg/archive"
)

// runArchiveCmd ships closed journal days to the configured archive
// store. With -day it archives that one day; without it sweeps every
// closed day found next to the journal.
//
// Exit codes: 0 = archived (or nothing to do), 1 = archiving failed,
// 2 = usage error.
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		day        string
		jsonOutput bool
	)
	cmd.StringVar(&day, "day", "", "Journal day to archive, YYYY-MM-DD (default: sweep all closed days)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output manifests as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(stderr)
	cfg := loadConfig(logger)

	store, err := archive.NewStore(ctx, cfg.Archive)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	dir, base := journalLocation(cfg)
	arch := archive.NewArchiver(store, dir, base)
	arch.SetLogger(logger)

	var manifests []*archive.Manifest
	if day != "" {
		m, err := arch.ArchiveDay(ctx, day)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		manifests = append(manifests, m)
	} else {
		manifests, err = arch.Sweep(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(manifests, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	if len(manifests) == 0 {
		_, _ = fmt.Fprintln(stdout, "nothing to archive")
		return 0
	}
	for _, m := range manifests {
		_, _ = fmt.Fprintf(stdout, "archived %s: %d entries, %d bytes -> %s\n",
			m.Day, m.Entries, m.SizeBytes, m.Key)
	}
	return 0
}
