package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
)

// runStatusCmd reports the membrane's operational snapshot: gate state,
// backend identity, governed actions and journal placement.
//
// Exit codes: 0 = reported, 1 = the membrane could not be assembled,
// 2 = usage error.
func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	m, cleanup, err := buildMembrane(ctx, newLogger(stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	s := m.Status()

	if jsonOutput {
		data, _ := json.MarshalIndent(s, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	gate := "disabled"
	if s.Enabled {
		gate = "enabled"
	}
	_, _ = fmt.Fprintf(stdout, "Gate:       %s\n", gate)
	_, _ = fmt.Fprintf(stdout, "Backend:    %s (schema %s, strategy %s)\n", s.Backend, s.SchemaVersion, s.Strategy)
	if s.Profile != "" {
		_, _ = fmt.Fprintf(stdout, "Profile:    %s\n", s.Profile)
	}
	_, _ = fmt.Fprintf(stdout, "Journal:    %s\n", s.JournalPath)
	_, _ = fmt.Fprintf(stdout, "Allowlist:  %s\n", strings.Join(s.Allowlist, ", "))
	_, _ = fmt.Fprintf(stdout, "Open:       %d decisions\n", s.OpenDecisions)
	if len(s.ActiveLocks) > 0 {
		_, _ = fmt.Fprintf(stdout, "Locks:      %s\n", strings.Join(s.ActiveLocks, ", "))
	}
	return 0
}
