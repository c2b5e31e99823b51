package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/guardian/pkg/config"
	"github.com/openclaw/guardian/pkg/contracts"
	"github.com/openclaw/guardian/pkg/journal"
)

// setupEnv pins the process environment to a throwaway standalone
// journal with the gate on, so commands behave the same on any host.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvLogDir, dir)
	t.Setenv(config.EnvExecutiveDir, "")
	t.Setenv(config.EnvHookEnabled, "1")
	t.Setenv(config.EnvProfile, "")
	return dir
}

func runCLI(t *testing.T, stdin string, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = Run(append([]string{"guardian"}, args...), strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func decodeReply(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), "reply: %s", out)
	return m
}

func field(t *testing.T, m map[string]any, key string) map[string]any {
	t.Helper()
	v, ok := m[key].(map[string]any)
	require.True(t, ok, "field %q missing or not an object in %v", key, m)
	return v
}

func todaysEntries(t *testing.T) []journal.Entry {
	t.Helper()
	day := time.Now().UTC().Format("2006-01-02")
	path := journalPathForDay(loadConfig(newLogger(io.Discard)), day)
	entries, err := journal.ReadFile(path)
	if err != nil {
		require.ErrorIs(t, err, fs.ErrNotExist)
		return nil
	}
	return entries
}

func TestRunHelpAndVersion(t *testing.T) {
	code, out, _ := runCLI(t, "", "help")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "USAGE")
	assert.Contains(t, out, "rpc")

	code, out, _ = runCLI(t, "", "version")
	require.Equal(t, 0, code)
	assert.Contains(t, out, version)
}

func TestRunUnknownCommand(t *testing.T) {
	code, _, errOut := runCLI(t, "", "teleport")
	require.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: teleport")
}

func TestRunNoCommandServesRPC(t *testing.T) {
	setupEnv(t)

	code, out, errOut := runCLI(t, `{"type":"ping"}`)
	require.Equal(t, 0, code, errOut)

	reply := decodeReply(t, out)
	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, "ping", reply["type"])
	status := field(t, reply, "status")
	assert.Equal(t, "standalone", status["backend"])
	assert.Equal(t, true, status["exec_hook_enabled"])
}

func TestRPCProtocolErrors(t *testing.T) {
	cases := []struct {
		name    string
		stdin   string
		wantErr string
	}{
		{"empty input", "", "empty_input"},
		{"whitespace only", "  \n", "empty_input"},
		{"invalid json", "not json", "invalid_json"},
		{"missing type", `{}`, "missing_type"},
		{"unknown type", `{"type":"teleport"}`, "unknown_type"},
		{"missing command", `{"type":"command_exec"}`, "missing_command"},
		{"missing path on write", `{"type":"file_write"}`, "missing_path"},
		{"missing path on delete", `{"type":"file_delete"}`, "missing_path"},
		{"missing url", `{"type":"http_request"}`, "missing_url"},
		{"missing doc", `{"type":"json_write","path":"x.json"}`, "missing_doc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setupEnv(t)
			code, out, _ := runCLI(t, tc.stdin, "rpc")
			require.Equal(t, 2, code)
			reply := decodeReply(t, out)
			assert.Equal(t, false, reply["ok"])
			assert.Equal(t, tc.wantErr, reply["error"])
		})
	}
}

func TestRPCCommandExec(t *testing.T) {
	setupEnv(t)

	code, out, errOut := runCLI(t, `{"type":"command_exec","task_id":"t1","command":"echo membrane"}`, "rpc")
	require.Equal(t, 0, code, errOut)

	reply := decodeReply(t, out)
	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, "command_exec", reply["type"])
	assert.Equal(t, "t1", reply["task_id"])
	assert.Equal(t, "main", reply["lane"])

	result := field(t, reply, "result")
	assert.EqualValues(t, 0, result["exit_code"])
	assert.Equal(t, "membrane\n", result["stdout"])

	entries := todaysEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.StatusCompleted, entries[0].Status)
	assert.Equal(t, contracts.ActionCommandExec, entries[0].ActionType)
	assert.Equal(t, "t1", entries[0].TaskID)
}

func TestRPCCommandExecNonZeroExit(t *testing.T) {
	setupEnv(t)

	// A failing command is still a served request: the reply is ok and
	// the verdict lives in the result and the journal.
	code, out, errOut := runCLI(t, `{"type":"command_exec","command":"exit 4"}`, "rpc")
	require.Equal(t, 0, code, errOut)

	reply := decodeReply(t, out)
	assert.Equal(t, true, reply["ok"])
	assert.Equal(t, "unknown", reply["task_id"])
	result := field(t, reply, "result")
	assert.EqualValues(t, 4, result["exit_code"])

	entries := todaysEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, contracts.TierFail, entries[0].ValidationTier)
}

func TestRPCFileWriteCreatesParents(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "deep", "nest", "note.txt")

	msg, err := json.Marshal(map[string]any{
		"type": "file_write", "task_id": "t1", "path": path, "content": "hello",
	})
	require.NoError(t, err)

	code, out, errOut := runCLI(t, string(msg), "rpc")
	require.Equal(t, 0, code, errOut)

	reply := decodeReply(t, out)
	assert.Equal(t, true, reply["ok"])
	result := field(t, reply, "result")
	assert.EqualValues(t, 5, result["bytes"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestRPCFileDelete(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "doomed.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	msg, err := json.Marshal(map[string]any{"type": "file_delete", "path": path})
	require.NoError(t, err)

	code, out, errOut := runCLI(t, string(msg), "rpc")
	require.Equal(t, 0, code, errOut)

	reply := decodeReply(t, out)
	assert.Equal(t, true, reply["ok"])
	assert.NoFileExists(t, path)
}

func TestRPCJSONWriteWithSchema(t *testing.T) {
	dir := setupEnv(t)
	schema := `{"type":"object","required":["name"]}`

	t.Run("document satisfies schema", func(t *testing.T) {
		path := filepath.Join(dir, "good.json")
		msg := `{"type":"json_write","path":` + mustJSON(t, path) + `,"doc":{"name":"x"},"schema":` + schema + `}`

		code, out, errOut := runCLI(t, msg, "rpc")
		require.Equal(t, 0, code, errOut)
		assert.Equal(t, true, decodeReply(t, out)["ok"])
	})

	t.Run("schema violation is a validation verdict, not an error", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		msg := `{"type":"json_write","path":` + mustJSON(t, path) + `,"doc":{"nope":1},"schema":` + schema + `}`

		code, out, errOut := runCLI(t, msg, "rpc")
		require.Equal(t, 0, code, errOut)
		assert.Equal(t, true, decodeReply(t, out)["ok"])

		entries := todaysEntries(t)
		require.NotEmpty(t, entries)
		last := entries[len(entries)-1]
		assert.Equal(t, contracts.TierFail, last.ValidationTier)
	})

	t.Run("undecodable schema is a protocol error", func(t *testing.T) {
		msg := `{"type":"json_write","path":"x.json","doc":{},"schema":{"type":42}}`
		code, out, _ := runCLI(t, msg, "rpc")
		require.Equal(t, 2, code)
		assert.Equal(t, "invalid_schema", decodeReply(t, out)["error"])
	})
}

func TestRPCGateDisabledStillExecutes(t *testing.T) {
	setupEnv(t)
	t.Setenv(config.EnvHookEnabled, "0")

	code, out, errOut := runCLI(t, `{"type":"command_exec","command":"echo hi"}`, "rpc")
	require.Equal(t, 0, code, errOut)

	reply := decodeReply(t, out)
	assert.Equal(t, true, reply["ok"])
	result := field(t, reply, "result")
	assert.Equal(t, "hi\n", result["stdout"])

	assert.Empty(t, todaysEntries(t), "bypassed calls must not reach the journal")
}

func TestExecCommand(t *testing.T) {
	setupEnv(t)

	code, out, errOut := runCLI(t, "", "exec", "echo", "hi")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "hi\n", out)

	code, out, _ = runCLI(t, "", "exec", "-json", "echo", "hi")
	require.Equal(t, 0, code)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "echo hi", res["command"])
	assert.EqualValues(t, 0, res["exit_code"])

	code, _, _ = runCLI(t, "", "exec", "exit 3")
	assert.Equal(t, 1, code)

	code, _, errOut = runCLI(t, "", "exec")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "a command is required")
}

func TestWriteAndRemoveCommands(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "notes", "a.txt")

	code, out, errOut := runCLI(t, "", "write", path, "alpha", "beta")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha beta", string(data))

	stdinPath := filepath.Join(dir, "b.txt")
	code, _, errOut = runCLI(t, "from stdin", "write", stdinPath)
	require.Equal(t, 0, code, errOut)
	data, err = os.ReadFile(stdinPath)
	require.NoError(t, err)
	assert.Equal(t, "from stdin", string(data))

	code, out, errOut = runCLI(t, "", "rm", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "removed "+path)
	assert.NoFileExists(t, path)

	code, _, errOut = runCLI(t, "", "rm", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Error")
}

func TestPutJSONCommand(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "doc.json")

	code, _, errOut := runCLI(t, `{"name":"x"}`, "put-json", path)
	require.Equal(t, 0, code, errOut)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"x"}`, string(data))

	schemaPath := filepath.Join(dir, "schema.json")
	require.NoError(t, os.WriteFile(schemaPath, []byte(`{"type":"object","required":["name"]}`), 0o644))
	code, _, errOut = runCLI(t, `{"name":"y"}`, "put-json", "-schema", schemaPath, path)
	require.Equal(t, 0, code, errOut)

	code, _, errOut = runCLI(t, "not json", "put-json", path)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "not valid JSON")
}

func TestStatusCommand(t *testing.T) {
	setupEnv(t)

	code, out, errOut := runCLI(t, "", "status", "-json")
	require.Equal(t, 0, code, errOut)

	var s map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, true, s["exec_hook_enabled"])
	assert.Equal(t, "standalone", s["backend"])
	assert.Contains(t, s["high_risk_allowlist"], "command_exec")

	code, out, _ = runCLI(t, "", "status")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Gate:       enabled")
	assert.Contains(t, out, "standalone")
}

func TestTailCommand(t *testing.T) {
	setupEnv(t)

	for _, c := range []string{"echo a", "echo b"} {
		code, _, errOut := runCLI(t, "", "exec", c)
		require.Equal(t, 0, code, errOut)
	}

	code, out, errOut := runCLI(t, "", "tail", "-n", "1")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "command_exec")
	assert.Contains(t, out, "cli/main")

	code, out, _ = runCLI(t, "", "tail", "-action", "file_write")
	require.Equal(t, 0, code)
	assert.Empty(t, out)

	code, _, errOut = runCLI(t, "", "tail", "-day", "1999-01-01")
	require.Equal(t, 0, code)
	assert.Contains(t, errOut, "no journal for 1999-01-01")
}

func TestVerifyCommand(t *testing.T) {
	setupEnv(t)

	code, _, errOut := runCLI(t, "", "exec", "echo hi")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := runCLI(t, "", "verify")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "verified 1 entries")

	code, _, errOut = runCLI(t, "", "verify", "-file", filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no journal file")
}

func TestArchiveCommand(t *testing.T) {
	dir := setupEnv(t)
	archDir := t.TempDir()
	t.Setenv(config.EnvArchiveDir, archDir)

	seedJournalDay(t, dir, "2025-08-20", 2)

	code, out, errOut := runCLI(t, "", "archive", "-day", "2025-08-20")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "archived 2025-08-20: 2 entries")

	object := filepath.Join(archDir, "journal", "2025", config.DefaultJournalBase+"-2025-08-20.jsonl")
	assert.FileExists(t, object)
	assert.FileExists(t, object+".manifest.json")

	// A second run finds the object already shipped.
	code, out, errOut = runCLI(t, "", "archive", "-day", "2025-08-20")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "archived 2025-08-20")

	code, out, errOut = runCLI(t, "", "archive", "-json")
	require.Equal(t, 0, code, errOut)
	var manifests []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &manifests))
	require.Len(t, manifests, 1)
	assert.Equal(t, "2025-08-20", manifests[0]["day"])
}

func seedJournalDay(t *testing.T, dir, day string, n int) {
	t.Helper()
	at, err := time.Parse("2006-01-02", day)
	require.NoError(t, err)
	at = at.Add(12 * time.Hour)

	j, err := journal.NewFileJournal(dir, config.DefaultJournalBase)
	require.NoError(t, err)
	j.SetClock(func() time.Time { return at })
	for i := 0; i < n; i++ {
		rec := contracts.NewDecisionRecord(at, "seed", "main", contracts.ActionCommandExec, "seeded", 0.9, nil)
		require.NoError(t, rec.Complete(at, contracts.TierSuccess, contracts.Evidence{"i": i}, 0.9))
		require.NoError(t, j.Append(context.Background(), rec))
	}
	require.NoError(t, j.Close())
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
