package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openclaw/guardian/pkg/validate"
)

// runWriteCmd writes a file through the membrane. Content comes from the
// arguments after the path, or from stdin when none are given.
//
// Exit codes: 0 = written and validated, 1 = execution failure, 2 = usage
// error.
func runWriteCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("write", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var taskID, lane string
	cmd.StringVar(&taskID, "task", "cli", "Task identifier for the budget lock")
	cmd.StringVar(&lane, "lane", "main", "Work lane for the budget lock")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: a path is required")
		cmd.Usage()
		return 2
	}
	path := cmd.Arg(0)

	var content []byte
	if cmd.NArg() > 1 {
		content = []byte(strings.Join(cmd.Args()[1:], " "))
	} else {
		data, err := io.ReadAll(stdin)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error reading stdin: %v\n", err)
			return 1
		}
		content = data
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, cleanup, err := buildMembrane(ctx, newLogger(stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := ensureParentDir(path); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	res, err := m.WrapFileWrite(ctx, taskID, lane, path, content)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "wrote %s (%d bytes)\n", res.Path, res.Bytes)
	return 0
}

// runRemoveCmd deletes a file through the membrane.
//
// Exit codes: 0 = removed, 1 = execution failure, 2 = usage error.
func runRemoveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rm", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var taskID, lane string
	cmd.StringVar(&taskID, "task", "cli", "Task identifier for the budget lock")
	cmd.StringVar(&lane, "lane", "main", "Work lane for the budget lock")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one path is required")
		cmd.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, cleanup, err := buildMembrane(ctx, newLogger(stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	res, err := m.WrapFileDelete(ctx, taskID, lane, cmd.Arg(0))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "removed %s\n", res.Path)
	return 0
}

// runPutJSONCmd writes a JSON document through the membrane. The document
// is read from stdin; -schema points at a JSON Schema file the written
// document must satisfy.
//
// Exit codes: 0 = written and validated, 1 = execution failure, 2 = usage
// error or undecodable input.
func runPutJSONCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("put-json", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		taskID     string
		lane       string
		schemaPath string
	)
	cmd.StringVar(&taskID, "task", "cli", "Task identifier for the budget lock")
	cmd.StringVar(&lane, "lane", "main", "Work lane for the budget lock")
	cmd.StringVar(&schemaPath, "schema", "", "JSON Schema file the document must satisfy")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one path is required (document on stdin)")
		cmd.Usage()
		return 2
	}
	path := cmd.Arg(0)

	raw, err := io.ReadAll(stdin)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error reading stdin: %v\n", err)
		return 1
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: stdin is not valid JSON: %v\n", err)
		return 2
	}

	var schema *jsonschema.Schema
	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		schema, err = validate.CompileSchema(filepath.Base(schemaPath), string(data))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, cleanup, err := buildMembrane(ctx, newLogger(stderr))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := ensureParentDir(path); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	res, err := m.WrapJSONWrite(ctx, taskID, lane, path, doc, schema)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "wrote %s (%d bytes)\n", res.Path, res.Bytes)
	return 0
}
