// Package config resolves the guardian's runtime settings from environment
// variables and optional YAML profiles. Resolution order is fixed: built-in
// defaults, then the profile named by GUARDIAN_PROFILE, then environment
// variables. Environment always wins.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment variable names recognized by Load.
const (
	EnvHookEnabled     = "EXEC_HOOK_ENABLED"
	EnvAllowlist       = "GUARDIAN_ALLOWLIST"
	EnvLogDir          = "GUARDIAN_LOG_DIR"
	EnvJournalBase     = "GUARDIAN_JOURNAL_FILE"
	EnvExecutiveDir    = "GUARDIAN_EXECUTIVE_DIR"
	EnvLockTimeoutMs   = "GUARDIAN_LOCK_TIMEOUT_MS"
	EnvProfile         = "GUARDIAN_PROFILE"
	EnvProfileDir      = "GUARDIAN_PROFILE_DIR"
	EnvPostgresDSN     = "GUARDIAN_POSTGRES_DSN"
	EnvArchiveBackend  = "GUARDIAN_ARCHIVE_BACKEND"
	EnvArchiveBucket   = "GUARDIAN_ARCHIVE_BUCKET"
	EnvArchivePrefix   = "GUARDIAN_ARCHIVE_PREFIX"
	EnvArchiveDir      = "GUARDIAN_ARCHIVE_DIR"
	EnvArchiveRegion   = "GUARDIAN_ARCHIVE_REGION"
	EnvArchiveEndpoint = "GUARDIAN_ARCHIVE_ENDPOINT"
	EnvOTLPEndpoint    = "GUARDIAN_OTLP_ENDPOINT"
	EnvServiceName     = "GUARDIAN_SERVICE_NAME"
	EnvTraceSampleRate = "GUARDIAN_TRACE_SAMPLE_RATE"
)

// LockWaitForever makes budget lock acquisition block until the context is
// canceled. It is the default when GUARDIAN_LOCK_TIMEOUT_MS is absent.
const LockWaitForever time.Duration = -1

// DefaultJournalBase is the file-name stem for daily journal files.
const DefaultJournalBase = "guardian-journal"

// DefaultAllowlist returns the action types guarded out of the box.
// Outbound HTTP is opt-in.
func DefaultAllowlist() []string {
	return []string{"command_exec", "file_write", "file_delete", "json_write"}
}

// Config holds the resolved guardian settings.
type Config struct {
	// Enabled mirrors EXEC_HOOK_ENABLED at load time. The membrane re-reads
	// the variable on every guarded call, so this field only seeds status
	// output and tests.
	Enabled bool

	// Allowlist names the action types the membrane governs.
	Allowlist []string

	// LogDir is where daily journal files are written.
	LogDir string

	// JournalBase is the file-name stem for daily journal files.
	JournalBase string

	// ExecutiveDir points at a shared executive workspace. Empty means
	// standalone journaling. The conventional location is only used when
	// the directory actually exists on disk.
	ExecutiveDir string

	// LockTimeout bounds budget lock acquisition. Zero means a single
	// non-blocking attempt, negative means wait until context cancel.
	LockTimeout time.Duration

	// PostgresDSN, when set, enables mirroring terminal records to Postgres.
	PostgresDSN string

	// Rules maps action types to outcome rule expressions evaluated after
	// each guarded execution.
	Rules map[string]string

	// Confidence overrides the per-action prior confidence of the built-in
	// wrappers. Values are clamped to [0, 1] at use.
	Confidence map[string]float64

	// Archive settings for shipping closed journal days off-box.
	Archive ArchiveConfig

	// Observability settings for traces and metrics export.
	Observability ObservabilityConfig

	// Profile records which profile was applied, if any.
	Profile string
}

// ArchiveConfig selects where closed journal days are shipped.
type ArchiveConfig struct {
	// Backend is one of "", "fs", "s3", "gcs". Empty disables archiving.
	Backend string
	// Bucket names the S3 or GCS bucket for object backends.
	Bucket string
	// Prefix is prepended to every archive object key.
	Prefix string
	// Dir is the destination root for the fs backend.
	Dir string
	// Region overrides the AWS region for the s3 backend. Empty defers to
	// the ambient AWS configuration.
	Region string
	// Endpoint points the s3 backend at a custom endpoint (MinIO,
	// LocalStack).
	Endpoint string
}

// ObservabilityConfig carries the OTLP export settings.
type ObservabilityConfig struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string
	// ServiceName labels exported telemetry.
	ServiceName string
	// TraceSampleRate in [0, 1]. Zero disables tracing even when an
	// endpoint is configured.
	TraceSampleRate float64
}

// DefaultLogDir returns the conventional journal directory under the user's
// home, falling back to a relative path when the home cannot be resolved.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".openclaw", "logs")
	}
	return filepath.Join(home, ".openclaw", "logs")
}

// DefaultExecutiveDir returns the conventional shared executive workspace.
func DefaultExecutiveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".openclaw", "workspace", "executive")
	}
	return filepath.Join(home, ".openclaw", "workspace", "executive")
}

// Default returns the built-in configuration, before profiles and
// environment are applied.
func Default() *Config {
	return &Config{
		Allowlist:   DefaultAllowlist(),
		LogDir:      DefaultLogDir(),
		JournalBase: DefaultJournalBase,
		LockTimeout: LockWaitForever,
		Rules:       map[string]string{},
		Confidence:  map[string]float64{},
		Observability: ObservabilityConfig{
			ServiceName:     "guardian",
			TraceSampleRate: 1.0,
		},
	}
}

// Load resolves the configuration from defaults, the profile named by
// GUARDIAN_PROFILE, and environment variables, in that order. Profile load
// failures are returned so the caller can decide whether to proceed without
// the profile.
func Load() (*Config, error) {
	cfg := Default()

	if ref := os.Getenv(EnvProfile); ref != "" {
		profile, err := resolveProfile(ref)
		if err != nil {
			return cfg, err
		}
		cfg.ApplyProfile(profile)
	}

	cfg.applyEnv()

	// Autodetect the shared executive workspace only when nothing chose one.
	// Setting GUARDIAN_EXECUTIVE_DIR to the empty string forces standalone.
	if _, explicit := os.LookupEnv(EnvExecutiveDir); !explicit && cfg.ExecutiveDir == "" {
		if dir := DefaultExecutiveDir(); dirExists(dir) {
			cfg.ExecutiveDir = dir
		}
	}

	return cfg, nil
}

// HookEnabled reads EXEC_HOOK_ENABLED directly from the environment. The
// membrane's gate calls this on every guarded execution so flipping the
// variable takes effect without a restart.
func HookEnabled() bool {
	v := os.Getenv(EnvHookEnabled)
	return v == "1" || strings.EqualFold(v, "true")
}

func (c *Config) applyEnv() {
	c.Enabled = HookEnabled()

	if v, ok := os.LookupEnv(EnvAllowlist); ok {
		c.Allowlist = splitList(v)
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv(EnvJournalBase); v != "" {
		c.JournalBase = v
	}
	if v, ok := os.LookupEnv(EnvExecutiveDir); ok {
		c.ExecutiveDir = v
	}
	if v := os.Getenv(EnvLockTimeoutMs); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.LockTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		c.PostgresDSN = v
	}

	if v := os.Getenv(EnvArchiveBackend); v != "" {
		c.Archive.Backend = v
	}
	if v := os.Getenv(EnvArchiveBucket); v != "" {
		c.Archive.Bucket = v
	}
	if v := os.Getenv(EnvArchivePrefix); v != "" {
		c.Archive.Prefix = v
	}
	if v := os.Getenv(EnvArchiveDir); v != "" {
		c.Archive.Dir = v
	}
	if v := os.Getenv(EnvArchiveRegion); v != "" {
		c.Archive.Region = v
	}
	if v := os.Getenv(EnvArchiveEndpoint); v != "" {
		c.Archive.Endpoint = v
	}

	if v := os.Getenv(EnvOTLPEndpoint); v != "" {
		c.Observability.Endpoint = v
	}
	if v := os.Getenv(EnvServiceName); v != "" {
		c.Observability.ServiceName = v
	}
	if v := os.Getenv(EnvTraceSampleRate); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Observability.TraceSampleRate = rate
		}
	}
}

// Allowed reports whether the given action type is on the allowlist.
func (c *Config) Allowed(actionType string) bool {
	for _, a := range c.Allowlist {
		if a == actionType {
			return true
		}
	}
	return false
}

// resolveProfile accepts either a bare profile code, looked up in the
// profile directory, or a direct path to a YAML file.
func resolveProfile(ref string) (*Profile, error) {
	if strings.ContainsRune(ref, os.PathSeparator) || strings.HasSuffix(ref, ".yaml") || strings.HasSuffix(ref, ".yml") {
		return LoadProfilePath(ref)
	}
	return LoadProfile(profileDir(), ref)
}

func profileDir() string {
	if v := os.Getenv(EnvProfileDir); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".openclaw", "profiles")
	}
	return filepath.Join(home, ".openclaw", "profiles")
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
