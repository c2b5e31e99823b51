package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// runExecCmd runs a shell command through the membrane, the same path a
// hook's command_exec request takes.
//
// Exit codes:
//   - 0 = command ran and exited zero
//   - 1 = non-zero exit or execution failure
//   - 2 = usage error
func runExecCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("exec", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		taskID     string
		lane       string
		jsonOutput bool
	)
	cmd.StringVar(&taskID, "task", "cli", "Task identifier for the budget lock")
	cmd.StringVar(&lane, "lane", "main", "Work lane for the budget lock")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the full result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: a command is required")
		cmd.Usage()
		return 2
	}
	command := strings.Join(cmd.Args(), " ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, cleanup, err := buildMembrane(ctx, newLogger(stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	res, err := m.WrapCommandExec(ctx, taskID, lane, command)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		_, _ = io.WriteString(stdout, res.Stdout)
		_, _ = io.WriteString(stderr, res.Stderr)
	}

	if res.ExitCode != 0 {
		return 1
	}
	return 0
}
