package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named bundle of guardian settings loaded from YAML. Profiles
// let one binary carry several postures (strict CI, permissive dev) without
// stacking environment variables. Only non-zero fields override the base
// configuration.
type Profile struct {
	Name          string             `yaml:"name" json:"name"`
	Description   string             `yaml:"description,omitempty" json:"description,omitempty"`
	Allowlist     []string           `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	LogDir        string             `yaml:"log_dir,omitempty" json:"log_dir,omitempty"`
	JournalBase   string             `yaml:"journal_file,omitempty" json:"journal_file,omitempty"`
	ExecutiveDir  string             `yaml:"executive_dir,omitempty" json:"executive_dir,omitempty"`
	LockTimeoutMs *int64             `yaml:"lock_timeout_ms,omitempty" json:"lock_timeout_ms,omitempty"`
	PostgresDSN   string             `yaml:"postgres_dsn,omitempty" json:"postgres_dsn,omitempty"`
	Rules         map[string]string  `yaml:"rules,omitempty" json:"rules,omitempty"`
	Confidence    map[string]float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`

	Archive struct {
		Backend  string `yaml:"backend,omitempty" json:"backend,omitempty"`
		Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
		Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
		Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
		Region   string `yaml:"region,omitempty" json:"region,omitempty"`
		Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	} `yaml:"archive,omitempty" json:"archive,omitempty"`

	Observability struct {
		Endpoint        string   `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
		ServiceName     string   `yaml:"service_name,omitempty" json:"service_name,omitempty"`
		TraceSampleRate *float64 `yaml:"trace_sample_rate,omitempty" json:"trace_sample_rate,omitempty"`
	} `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// LoadProfile reads profile_<code>.yaml from the given directory.
func LoadProfile(dir, code string) (*Profile, error) {
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", code))
	return loadProfileFile(path, code)
}

// LoadProfilePath reads a profile from an explicit YAML file path.
func LoadProfilePath(path string) (*Profile, error) {
	base := filepath.Base(path)
	code := strings.TrimSuffix(strings.TrimSuffix(base, ".yml"), ".yaml")
	code = strings.TrimPrefix(code, "profile_")
	return loadProfileFile(path, code)
}

func loadProfileFile(path, code string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if p.Name == "" {
		p.Name = code
	}
	return &p, nil
}

// LoadAllProfiles reads every profile_*.yaml in the directory, keyed by the
// code embedded in the file name. Unreadable or malformed files abort the
// load so a broken profile cannot be silently skipped.
func LoadAllProfiles(dir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("scan profiles in %s: %w", dir, err)
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		base := filepath.Base(path)
		code := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")

		p, err := LoadProfile(dir, code)
		if err != nil {
			return nil, err
		}
		profiles[code] = p
	}
	return profiles, nil
}

// ProfileCodes lists the available profile codes in the directory, sorted.
func ProfileCodes(dir string) ([]string, error) {
	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		return nil, err
	}
	codes := make([]string, 0, len(profiles))
	for code := range profiles {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

// ApplyProfile overlays non-zero profile fields onto the configuration.
func (c *Config) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}
	c.Profile = p.Name

	if len(p.Allowlist) > 0 {
		c.Allowlist = append([]string(nil), p.Allowlist...)
	}
	if p.LogDir != "" {
		c.LogDir = p.LogDir
	}
	if p.JournalBase != "" {
		c.JournalBase = p.JournalBase
	}
	if p.ExecutiveDir != "" {
		c.ExecutiveDir = p.ExecutiveDir
	}
	if p.LockTimeoutMs != nil {
		c.LockTimeout = time.Duration(*p.LockTimeoutMs) * time.Millisecond
	}
	if p.PostgresDSN != "" {
		c.PostgresDSN = p.PostgresDSN
	}
	for action, rule := range p.Rules {
		if c.Rules == nil {
			c.Rules = map[string]string{}
		}
		c.Rules[action] = rule
	}
	for action, conf := range p.Confidence {
		if c.Confidence == nil {
			c.Confidence = map[string]float64{}
		}
		c.Confidence[action] = conf
	}

	if p.Archive.Backend != "" {
		c.Archive.Backend = p.Archive.Backend
	}
	if p.Archive.Bucket != "" {
		c.Archive.Bucket = p.Archive.Bucket
	}
	if p.Archive.Prefix != "" {
		c.Archive.Prefix = p.Archive.Prefix
	}
	if p.Archive.Dir != "" {
		c.Archive.Dir = p.Archive.Dir
	}
	if p.Archive.Region != "" {
		c.Archive.Region = p.Archive.Region
	}
	if p.Archive.Endpoint != "" {
		c.Archive.Endpoint = p.Archive.Endpoint
	}

	if p.Observability.Endpoint != "" {
		c.Observability.Endpoint = p.Observability.Endpoint
	}
	if p.Observability.ServiceName != "" {
		c.Observability.ServiceName = p.Observability.ServiceName
	}
	if p.Observability.TraceSampleRate != nil {
		c.Observability.TraceSampleRate = *p.Observability.TraceSampleRate
	}
}
