package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openclaw/guardian/pkg/membrane"
	"github.com/openclaw/guardian/pkg/validate"
)

// rpcRequest is the one message a hook sends. Type selects the action and
// decides which of the remaining fields are required.
type rpcRequest struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Lane   string `json:"lane"`

	// command_exec
	Command string `json:"command"`

	// file_write, file_delete, json_write
	Path    string `json:"path"`
	Content string `json:"content"`

	// json_write
	Doc    json.RawMessage `json:"doc"`
	Schema json.RawMessage `json:"schema"`

	// http_request
	Request          *rpcHTTPRequest `json:"request"`
	ExpectedStatuses []int           `json:"expected_statuses"`
}

type rpcHTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type rpcReply struct {
	OK     bool   `json:"ok"`
	Type   string `json:"type,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Lane   string `json:"lane,omitempty"`
	Result any    `json:"result,omitempty"`
	Status any    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// runRPCCmd serves exactly one request: a JSON message on stdin, one JSON
// reply line on stdout. This is the protocol agent hooks speak.
//
// Exit codes:
//   - 0 = request served (the reply carries the result)
//   - 1 = execution failed (reply has error "exception" or "init_failed")
//   - 2 = malformed request (reply names the protocol error)
func runRPCCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rpc", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	raw, err := io.ReadAll(stdin)
	if err != nil {
		return protocolError(stdout, "read_failed", err.Error())
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return protocolError(stdout, "empty_input", "")
	}

	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return protocolError(stdout, "invalid_json", err.Error())
	}
	if req.Type == "" {
		return protocolError(stdout, "missing_type", "")
	}
	if req.TaskID == "" {
		req.TaskID = "unknown"
	}
	if req.Lane == "" {
		req.Lane = "main"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, cleanup, err := buildMembrane(ctx, newLogger(stderr))
	if err != nil {
		writeReply(stdout, rpcReply{OK: false, Error: "init_failed", Detail: err.Error()})
		return 1
	}
	defer cleanup()

	switch req.Type {
	case "ping":
		writeReply(stdout, rpcReply{OK: true, Type: "ping", Status: m.Status()})
		return 0

	case "command_exec":
		if req.Command == "" {
			return protocolError(stdout, "missing_command", "")
		}
		res, err := m.WrapCommandExec(ctx, req.TaskID, req.Lane, req.Command)
		return resultReply(stdout, req, res, err)

	case "file_write":
		if req.Path == "" {
			return protocolError(stdout, "missing_path", "")
		}
		if err := ensureParentDir(req.Path); err != nil {
			return resultReply(stdout, req, nil, err)
		}
		res, err := m.WrapFileWrite(ctx, req.TaskID, req.Lane, req.Path, []byte(req.Content))
		return resultReply(stdout, req, res, err)

	case "file_delete":
		if req.Path == "" {
			return protocolError(stdout, "missing_path", "")
		}
		res, err := m.WrapFileDelete(ctx, req.TaskID, req.Lane, req.Path)
		return resultReply(stdout, req, res, err)

	case "json_write":
		if req.Path == "" {
			return protocolError(stdout, "missing_path", "")
		}
		if len(req.Doc) == 0 {
			return protocolError(stdout, "missing_doc", "")
		}
		var doc any
		if err := json.Unmarshal(req.Doc, &doc); err != nil {
			return protocolError(stdout, "invalid_json", fmt.Sprintf("doc: %v", err))
		}
		var schema *jsonschema.Schema
		if len(req.Schema) > 0 {
			s, err := validate.CompileSchema("rpc", string(req.Schema))
			if err != nil {
				return protocolError(stdout, "invalid_schema", err.Error())
			}
			schema = s
		}
		if err := ensureParentDir(req.Path); err != nil {
			return resultReply(stdout, req, nil, err)
		}
		res, err := m.WrapJSONWrite(ctx, req.TaskID, req.Lane, req.Path, doc, schema)
		return resultReply(stdout, req, res, err)

	case "http_request":
		if req.Request == nil || req.Request.URL == "" {
			return protocolError(stdout, "missing_url", "")
		}
		method := req.Request.Method
		if method == "" {
			method = http.MethodGet
		}
		hr := membrane.HTTPRequest{
			Method:         strings.ToUpper(method),
			URL:            req.Request.URL,
			Headers:        req.Request.Headers,
			ExpectedStatus: req.ExpectedStatuses,
		}
		if req.Request.Body != "" {
			hr.Body = []byte(req.Request.Body)
		}
		res, err := m.WrapHTTPRequest(ctx, req.TaskID, req.Lane, hr)
		return resultReply(stdout, req, res, err)

	default:
		return protocolError(stdout, "unknown_type", req.Type)
	}
}

// ensureParentDir creates the target's directory. Hooks routinely write
// into paths whose parents do not exist yet.
func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func resultReply(w io.Writer, req rpcRequest, result any, err error) int {
	if err != nil {
		writeReply(w, rpcReply{OK: false, Error: "exception", Detail: err.Error()})
		return 1
	}
	writeReply(w, rpcReply{OK: true, Type: req.Type, TaskID: req.TaskID, Lane: req.Lane, Result: result})
	return 0
}

func protocolError(w io.Writer, code, detail string) int {
	writeReply(w, rpcReply{OK: false, Error: code, Detail: detail})
	return 2
}

func writeReply(w io.Writer, r rpcReply) {
	data, err := json.Marshal(r)
	if err != nil {
		data = []byte(`{"ok":false,"error":"encode_failed"}`)
	}
	_, _ = fmt.Fprintln(w, string(data))
}
