package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/openclaw/guardian/pkg/journal"
)

// runTailCmd shows the most recent decision records from a journal day.
//
// Exit codes: 0 = printed (possibly nothing), 1 = journal unreadable,
// 2 = usage error.
func runTailCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tail", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		n          int
		day        string
		status     string
		action     string
		jsonOutput bool
	)
	cmd.IntVar(&n, "n", 20, "Number of records to show")
	cmd.StringVar(&day, "day", "", "Journal day to read, YYYY-MM-DD (default today)")
	cmd.StringVar(&status, "status", "", "Only records with this status (completed, failed)")
	cmd.StringVar(&action, "action", "", "Only records for this action type")
	cmd.BoolVar(&jsonOutput, "json", false, "Output records as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if day == "" {
		day = time.Now().UTC().Format("2006-01-02")
	}

	cfg := loadConfig(newLogger(stderr))
	path := journalPathForDay(cfg, day)

	entries, err := journal.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_, _ = fmt.Fprintf(stderr, "no journal for %s\n", day)
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	filtered := entries[:0:0]
	for _, e := range entries {
		if status != "" && string(e.Status) != status {
			continue
		}
		if action != "" && string(e.ActionType) != action {
			continue
		}
		filtered = append(filtered, e)
	}
	if len(filtered) > n {
		filtered = filtered[len(filtered)-n:]
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(filtered, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	for _, e := range filtered {
		ts := e.CreatedAt
		if e.CompletedAt != nil {
			ts = *e.CompletedAt
		}
		_, _ = fmt.Fprintf(stdout, "%s  %-9s %-10s %-13s %s/%s  %s\n",
			ts.UTC().Format(time.RFC3339), e.Status, e.ValidationTier, e.ActionType,
			e.TaskID, e.Lane, shortID(e.ID))
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
