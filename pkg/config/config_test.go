package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/guardian/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearGuardianEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvHookEnabled,
		config.EnvAllowlist,
		config.EnvLogDir,
		config.EnvJournalBase,
		config.EnvLockTimeoutMs,
		config.EnvProfile,
		config.EnvProfileDir,
		config.EnvPostgresDSN,
		config.EnvArchiveBackend,
		config.EnvOTLPEndpoint,
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	// Force standalone so a developer's real workspace does not leak in.
	t.Setenv(config.EnvExecutiveDir, "")
}

func TestLoad_Defaults(t *testing.T) {
	clearGuardianEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.False(t, cfg.Enabled)
	assert.Equal(t, []string{"command_exec", "file_write", "file_delete", "json_write"}, cfg.Allowlist)
	assert.Contains(t, cfg.LogDir, filepath.Join(".openclaw", "logs"))
	assert.Equal(t, "guardian-journal", cfg.JournalBase)
	assert.Equal(t, config.LockWaitForever, cfg.LockTimeout)
	assert.Empty(t, cfg.ExecutiveDir)
	assert.Empty(t, cfg.PostgresDSN)
	assert.Empty(t, cfg.Archive.Backend)
	assert.Equal(t, "guardian", cfg.Observability.ServiceName)
	assert.InDelta(t, 1.0, cfg.Observability.TraceSampleRate, 1e-9)
}

func TestLoad_Overrides(t *testing.T) {
	clearGuardianEnv(t)
	t.Setenv(config.EnvHookEnabled, "1")
	t.Setenv(config.EnvAllowlist, "command_exec, http_request")
	t.Setenv(config.EnvLogDir, "/var/log/guardian")
	t.Setenv(config.EnvJournalBase, "audit")
	t.Setenv(config.EnvExecutiveDir, "/srv/executive")
	t.Setenv(config.EnvLockTimeoutMs, "2500")
	t.Setenv(config.EnvPostgresDSN, "postgres://guardian:5432/journal")
	t.Setenv(config.EnvArchiveBackend, "s3")
	t.Setenv(config.EnvArchiveBucket, "guardian-archive")
	t.Setenv(config.EnvOTLPEndpoint, "collector:4317")
	t.Setenv(config.EnvTraceSampleRate, "0.25")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, []string{"command_exec", "http_request"}, cfg.Allowlist)
	assert.Equal(t, "/var/log/guardian", cfg.LogDir)
	assert.Equal(t, "audit", cfg.JournalBase)
	assert.Equal(t, "/srv/executive", cfg.ExecutiveDir)
	assert.Equal(t, 2500*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, "postgres://guardian:5432/journal", cfg.PostgresDSN)
	assert.Equal(t, "s3", cfg.Archive.Backend)
	assert.Equal(t, "guardian-archive", cfg.Archive.Bucket)
	assert.Equal(t, "collector:4317", cfg.Observability.Endpoint)
	assert.InDelta(t, 0.25, cfg.Observability.TraceSampleRate, 1e-9)
}

func TestLoad_EnabledValues(t *testing.T) {
	clearGuardianEnv(t)

	for _, v := range []string{"yes", "on", "0", "2", "enabled"} {
		t.Setenv(config.EnvHookEnabled, v)
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.False(t, cfg.Enabled, "value %q must not enable the hook", v)
		assert.False(t, config.HookEnabled())
	}

	for _, v := range []string{"1", "true", "TRUE"} {
		t.Setenv(config.EnvHookEnabled, v)
		cfg, err := config.Load()
		require.NoError(t, err)
		assert.True(t, cfg.Enabled, "value %q must enable the hook", v)
		assert.True(t, config.HookEnabled())
	}
}

func TestLoad_ProfileByPath(t *testing.T) {
	clearGuardianEnv(t)

	dir := t.TempDir()
	writeProfile(t, dir, "edge", "name: Edge\njournal_file: edge-journal")
	t.Setenv(config.EnvProfile, filepath.Join(dir, "profile_edge.yaml"))

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "Edge", cfg.Profile)
	assert.Equal(t, "edge-journal", cfg.JournalBase)
}

func TestLoad_ProfileThenEnvPrecedence(t *testing.T) {
	clearGuardianEnv(t)

	dir := t.TempDir()
	writeProfile(t, dir, "strict", `
name: Strict CI
allowlist: [command_exec]
journal_file: strict-journal
lock_timeout_ms: 1000
rules:
  command_exec: "result.exit_code == 0"
confidence:
  command_exec: 0.6
`)

	t.Setenv(config.EnvProfileDir, dir)
	t.Setenv(config.EnvProfile, "strict")
	// Env beats profile for the journal base.
	t.Setenv(config.EnvJournalBase, "env-wins")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "Strict CI", cfg.Profile)
	assert.Equal(t, []string{"command_exec"}, cfg.Allowlist)
	assert.Equal(t, "env-wins", cfg.JournalBase)
	assert.Equal(t, time.Second, cfg.LockTimeout)
	assert.Equal(t, "result.exit_code == 0", cfg.Rules["command_exec"])
	assert.InDelta(t, 0.6, cfg.Confidence["command_exec"], 1e-9)
}

func TestLoad_MissingProfileReturnsError(t *testing.T) {
	clearGuardianEnv(t)
	t.Setenv(config.EnvProfileDir, t.TempDir())
	t.Setenv(config.EnvProfile, "nope")

	cfg, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `load profile "nope"`)
	// The base configuration is still usable.
	require.NotNil(t, cfg)
	assert.Equal(t, "guardian-journal", cfg.JournalBase)
}

func TestAllowed(t *testing.T) {
	cfg := config.Default()

	assert.True(t, cfg.Allowed("command_exec"))
	assert.True(t, cfg.Allowed("json_write"))
	assert.False(t, cfg.Allowed("http_request"))
	assert.False(t, cfg.Allowed(""))
}

func TestLoadProfile_ParseError(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken", "allowlist: [unclosed")

	_, err := config.LoadProfile(dir, "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parse profile "broken"`)
}

func TestLoadProfile_NameDefaultsToCode(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "dev", "allowlist: [file_write]")

	p, err := config.LoadProfile(dir, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", p.Name)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "dev", "name: Development")
	writeProfile(t, dir, "ci", "name: CI")

	profiles, err := config.LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "Development", profiles["dev"].Name)
	assert.Equal(t, "CI", profiles["ci"].Name)

	codes, err := config.ProfileCodes(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ci", "dev"}, codes)
}

func TestApplyProfile_MergesRules(t *testing.T) {
	cfg := config.Default()
	cfg.Rules["file_write"] = "result.bytes > 0"

	sample := 0.5
	timeout := int64(250)
	p := &config.Profile{
		Name:          "overlay",
		Rules:         map[string]string{"command_exec": "result.exit_code == 0"},
		LockTimeoutMs: &timeout,
	}
	p.Observability.TraceSampleRate = &sample

	cfg.ApplyProfile(p)

	assert.Equal(t, "result.bytes > 0", cfg.Rules["file_write"])
	assert.Equal(t, "result.exit_code == 0", cfg.Rules["command_exec"])
	assert.Equal(t, 250*time.Millisecond, cfg.LockTimeout)
	assert.InDelta(t, 0.5, cfg.Observability.TraceSampleRate, 1e-9)
	// Defaults the profile does not mention survive.
	assert.Equal(t, "guardian-journal", cfg.JournalBase)
}

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}
