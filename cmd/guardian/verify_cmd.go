package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/openclaw/guardian/pkg/journal"
)

// runVerifyCmd recomputes a journal day's hash chain and reports whether
// it is intact.
//
// Exit codes:
//   - 0 = chain verified
//   - 1 = verification failed or journal unreadable
//   - 2 = usage error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file string
		day  string
	)
	cmd.StringVar(&file, "file", "", "Journal file to verify (overrides -day)")
	cmd.StringVar(&day, "day", "", "Journal day to verify, YYYY-MM-DD (default today)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	path := file
	if path == "" {
		if day == "" {
			day = time.Now().UTC().Format("2006-01-02")
		}
		path = journalPathForDay(loadConfig(newLogger(stderr)), day)
	}

	n, err := journal.VerifyFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			_, _ = fmt.Fprintf(stderr, "no journal file at %s\n", path)
		} else {
			_, _ = fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		}
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "verified %d entries in %s\n", n, path)
	return 0
}
