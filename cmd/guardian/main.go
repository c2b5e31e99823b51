// Command guardian is the execution membrane's CLI. Agent hooks pipe one
// JSON request into `guardian rpc` (the default command); operators use
// the remaining commands to run guarded actions by hand and to inspect,
// verify and archive the decision journal.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openclaw/guardian/pkg/config"
	"github.com/openclaw/guardian/pkg/executive"
	"github.com/openclaw/guardian/pkg/membrane"
)

const version = "v0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing. Without a command it serves one RPC
// request from stdin, which is how agent hooks invoke the binary.
func Run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runRPCCmd(nil, stdin, stdout, stderr)
	}

	switch args[1] {
	case "rpc":
		return runRPCCmd(args[2:], stdin, stdout, stderr)
	case "exec":
		return runExecCmd(args[2:], stdout, stderr)
	case "write":
		return runWriteCmd(args[2:], stdin, stdout, stderr)
	case "rm":
		return runRemoveCmd(args[2:], stdout, stderr)
	case "put-json":
		return runPutJSONCmd(args[2:], stdin, stdout, stderr)
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "tail":
		return runTailCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "guardian %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Guardian %s\n", version)
	fmt.Fprintln(w, "Execution membrane between an agent and its side effects.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  guardian <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "HOOK")
	printCommand(w, "rpc", "Serve one JSON request from stdin (default)")

	printSection(w, "GUARDED ACTIONS")
	printCommand(w, "exec", "Run a shell command under guard")
	printCommand(w, "write", "Write a file under guard (content from args or stdin)")
	printCommand(w, "rm", "Delete a file under guard")
	printCommand(w, "put-json", "Write a JSON document under guard (-schema)")

	printSection(w, "JOURNAL")
	printCommand(w, "status", "Show gate, backend and journal state (-json)")
	printCommand(w, "tail", "Show recent decision records (-n, -status, -action)")
	printCommand(w, "verify", "Verify a journal day's hash chain (-day, -file)")
	printCommand(w, "archive", "Ship closed journal days to the archive store (-day)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s:\n", title)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func newLogger(stderr io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, nil))
}

// loadConfig resolves configuration, downgrading a broken profile to a
// warning so a misspelled GUARDIAN_PROFILE never blocks the hook path.
func loadConfig(logger *slog.Logger) *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logger.Warn("profile load failed, continuing with environment settings", "error", err)
	}
	return cfg
}

func buildMembrane(ctx context.Context, logger *slog.Logger) (*membrane.Membrane, func(), error) {
	return membrane.FromConfig(ctx, loadConfig(logger), logger)
}

// journalLocation returns the directory and base name of the JSONL journal
// the current configuration writes to, shared executive workspace or not.
func journalLocation(cfg *config.Config) (dir, base string) {
	if cfg.ExecutiveDir != "" {
		return filepath.Join(cfg.ExecutiveDir, executive.AreaDecisions), executive.AreaDecisions
	}
	return cfg.LogDir, cfg.JournalBase
}

func journalPathForDay(cfg *config.Config, day string) string {
	dir, base := journalLocation(cfg)
	return filepath.Join(dir, fmt.Sprintf("%s-%s.jsonl", base, day))
}
