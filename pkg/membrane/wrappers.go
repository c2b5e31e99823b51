package membrane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"

	"github.com/openclaw/guardian/pkg/contracts"
	"github.com/openclaw/guardian/pkg/validate"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Default prior confidences of the built-in wrappers, overridable per
// action type through SetConfidence.
const (
	defaultCommandConfidence = 0.70
	defaultHTTPConfidence    = 0.75
	defaultWriteConfidence   = 0.80
	defaultJSONConfidence    = 0.82
	defaultDeleteConfidence  = 0.85
)

// Evidence payloads are truncated so one chatty command cannot bloat the
// journal.
const (
	maxOutputEvidence   = 500
	maxResponseEvidence = 200
)

// CommandResult is what a guarded shell command produced. A non-zero exit
// code is a validation failure, not an execution error.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// WrapCommandExec runs command through `sh -c` under guard. The validator
// grades exit code zero as success and records truncated output as
// evidence. Failing to start the shell at all is an execution error.
func (m *Membrane) WrapCommandExec(ctx context.Context, taskID, lane, command string) (*CommandResult, error) {
	perform := func(ctx context.Context) (any, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		res := &CommandResult{
			Command: command,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, err
			}
			res.ExitCode = exitErr.ExitCode()
		}
		return res, nil
	}

	validator := func(result any) (validate.Outcome, error) {
		res, ok := result.(*CommandResult)
		if !ok {
			return validate.Outcome{}, fmt.Errorf("unexpected result type %T", result)
		}
		ev := contracts.Evidence{
			"returncode": res.ExitCode,
			"stdout":     truncate(res.Stdout, maxOutputEvidence),
			"stderr":     truncate(res.Stderr, maxOutputEvidence),
		}
		if res.ExitCode == 0 {
			return validate.Success(ev), nil
		}
		return validate.Fail(ev), nil
	}

	out, err := m.Guard(ctx, Request{
		TaskID:          taskID,
		Lane:            lane,
		ActionType:      contracts.ActionCommandExec,
		ExpectedOutcome: fmt.Sprintf("%s exit 0", command),
		ConfidencePre:   m.confidenceFor(contracts.ActionCommandExec, defaultCommandConfidence),
		Metadata:        contracts.Evidence{"command": command},
	}, perform, validator)
	res, _ := out.(*CommandResult)
	return res, err
}

// FileWriteResult is what a guarded file write produced.
type FileWriteResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// WrapFileWrite writes content to path under guard. The validator checks
// that the target exists afterwards and, for non-empty content, is
// non-empty on disk.
func (m *Membrane) WrapFileWrite(ctx context.Context, taskID, lane, path string, content []byte) (*FileWriteResult, error) {
	perform := func(ctx context.Context) (any, error) {
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return nil, err
		}
		return &FileWriteResult{Path: path, Bytes: len(content)}, nil
	}

	validator := func(any) (validate.Outcome, error) {
		info, err := os.Stat(path)
		if err != nil {
			return validate.Fail(contracts.Evidence{"exists": false, "path": path}), nil
		}
		ev := contracts.Evidence{"exists": true, "size": info.Size(), "path": path}
		if len(content) > 0 && info.Size() == 0 {
			return validate.Fail(ev), nil
		}
		return validate.Success(ev), nil
	}

	out, err := m.Guard(ctx, Request{
		TaskID:          taskID,
		Lane:            lane,
		ActionType:      contracts.ActionFileWrite,
		ExpectedOutcome: fmt.Sprintf("%s exists", path),
		ConfidencePre:   m.confidenceFor(contracts.ActionFileWrite, defaultWriteConfidence),
		Metadata:        contracts.Evidence{"path": path, "bytes": len(content)},
	}, perform, validator)
	res, _ := out.(*FileWriteResult)
	return res, err
}

// FileDeleteResult is what a guarded delete produced.
type FileDeleteResult struct {
	Path    string `json:"path"`
	Removed bool   `json:"removed"`
}

// WrapFileDelete removes path under guard. Deleting a missing file is an
// execution error; the validator confirms the target is gone.
func (m *Membrane) WrapFileDelete(ctx context.Context, taskID, lane, path string) (*FileDeleteResult, error) {
	perform := func(ctx context.Context) (any, error) {
		if err := os.Remove(path); err != nil {
			return nil, err
		}
		return &FileDeleteResult{Path: path, Removed: true}, nil
	}

	validator := func(any) (validate.Outcome, error) {
		_, err := os.Stat(path)
		existsAfter := err == nil
		ev := contracts.Evidence{"exists_after": existsAfter, "path": path}
		if existsAfter {
			return validate.Fail(ev), nil
		}
		return validate.Success(ev), nil
	}

	out, err := m.Guard(ctx, Request{
		TaskID:          taskID,
		Lane:            lane,
		ActionType:      contracts.ActionFileDelete,
		ExpectedOutcome: fmt.Sprintf("%s removed", path),
		ConfidencePre:   m.confidenceFor(contracts.ActionFileDelete, defaultDeleteConfidence),
		Metadata:        contracts.Evidence{"path": path},
	}, perform, validator)
	res, _ := out.(*FileDeleteResult)
	return res, err
}

// JSONWriteResult is what a guarded structured write produced.
type JSONWriteResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// WrapJSONWrite marshals doc (two-space indented) and writes it to path
// under guard. The validator re-reads the document and checks it parses;
// with a non-nil schema it must also validate against it.
func (m *Membrane) WrapJSONWrite(ctx context.Context, taskID, lane, path string, doc any, schema *jsonschema.Schema) (*JSONWriteResult, error) {
	perform := func(ctx context.Context) (any, error) {
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, err
		}
		return &JSONWriteResult{Path: path, Bytes: len(data)}, nil
	}

	out, err := m.Guard(ctx, Request{
		TaskID:          taskID,
		Lane:            lane,
		ActionType:      contracts.ActionJSONWrite,
		ExpectedOutcome: "JSON written and valid",
		ConfidencePre:   m.confidenceFor(contracts.ActionJSONWrite, defaultJSONConfidence),
		Metadata:        contracts.Evidence{"path": path},
	}, perform, validate.JSONDocument(path, schema))
	res, _ := out.(*JSONWriteResult)
	return res, err
}

// Doer issues HTTP requests. http.DefaultClient satisfies it; tests inject
// stubs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SetHTTPClient replaces the HTTP client used by WrapHTTPRequest.
func (m *Membrane) SetHTTPClient(d Doer) {
	m.httpClient = d
}

// HTTPRequest describes a guarded outbound request.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// ExpectedStatus lists status codes the validator grades as success.
	// Empty means 200, 201, 202, 204.
	ExpectedStatus []int
}

// HTTPResult is what a guarded request produced. Body holds at most 64 KiB
// of the response.
type HTTPResult struct {
	Method     string `json:"method"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

const maxHTTPBody = 64 << 10

// WrapHTTPRequest issues the request under guard. The action type is
// recognized but outside the default allowlist, so without explicit
// configuration these calls bypass the membrane.
func (m *Membrane) WrapHTTPRequest(ctx context.Context, taskID, lane string, hr HTTPRequest) (*HTTPResult, error) {
	perform := func(ctx context.Context) (any, error) {
		var body io.Reader
		if len(hr.Body) > 0 {
			body = bytes.NewReader(hr.Body)
		}
		req, err := http.NewRequestWithContext(ctx, hr.Method, hr.URL, body)
		if err != nil {
			return nil, err
		}
		for k, v := range hr.Headers {
			req.Header.Set(k, v)
		}

		client := m.httpClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
		if err != nil {
			return nil, err
		}
		return &HTTPResult{
			Method:     hr.Method,
			URL:        hr.URL,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}, nil
	}

	expected := hr.ExpectedStatus
	if len(expected) == 0 {
		expected = []int{200, 201, 202, 204}
	}
	validator := func(result any) (validate.Outcome, error) {
		res, ok := result.(*HTTPResult)
		if !ok {
			return validate.Outcome{}, fmt.Errorf("unexpected result type %T", result)
		}
		ev := contracts.Evidence{
			"status_code": res.StatusCode,
			"response":    truncate(res.Body, maxResponseEvidence),
		}
		for _, code := range expected {
			if res.StatusCode == code {
				return validate.Success(ev), nil
			}
		}
		return validate.Fail(ev), nil
	}

	out, err := m.Guard(ctx, Request{
		TaskID:          taskID,
		Lane:            lane,
		ActionType:      contracts.ActionHTTPRequest,
		ExpectedOutcome: fmt.Sprintf("%s %s returns expected status", hr.Method, hr.URL),
		ConfidencePre:   m.confidenceFor(contracts.ActionHTTPRequest, defaultHTTPConfidence),
		Metadata:        contracts.Evidence{"method": hr.Method, "url": hr.URL},
	}, perform, validator)
	res, _ := out.(*HTTPResult)
	return res, err
}

func (m *Membrane) confidenceFor(action contracts.ActionType, fallback float64) float64 {
	if v, ok := m.confidence[string(action)]; ok {
		return clamp01(v)
	}
	return fallback
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
