// Package config loads broker configuration from environment variables, an
// optional workspace YAML file, and CLI flags, in that precedence order
// (flags win, then the file, then env, then built-in defaults).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Approvals maps a tool name (or glob pattern, see internal/policy) to an
// explicit approval mode override, taking precedence over the named
// profile.
type Approvals map[string]string

// SecretsFile is the `[secrets]` section of the workspace config file.
type SecretsFile struct {
	Patterns    []PatternFile `yaml:"patterns"`
	Placeholder string        `yaml:"placeholder"`
	// Scan is a pointer so an absent `scan:` key in the file leaves the
	// env-derived default alone rather than overlaying a false zero value.
	Scan *bool `yaml:"scan"`
}

// PatternFile is one user-supplied redaction pattern entry.
type PatternFile struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// SandboxFile is the `[sandbox]` section of the workspace config file.
type SandboxFile struct {
	Mode       string `yaml:"mode"` // "bwrap" or "none"
	Net        string `yaml:"net"`  // "off" or "full"
	CPUSecs    int    `yaml:"cpu_secs"`
	MemMB      int    `yaml:"mem_mb"`
	TimeoutSec int    `yaml:"timeout_secs"`
	EnvAllow   []string `yaml:"env_allow"`
}

// File is the shape of the workspace-local config file (spec.md §6
// "Configuration"), grounded on the teacher's internal/config/loader.go
// FileConfig, rewritten for this broker's sections.
type File struct {
	MCP struct {
		Profile   string    `yaml:"profile"`
		Approvals Approvals `yaml:"approvals"`
	} `yaml:"mcp"`
	Secrets SecretsFile `yaml:"secrets"`
	Sandbox SandboxFile `yaml:"sandbox"`
}

// LoadFile parses a workspace config file. A missing file is not an error
// at this layer; callers stat first (mirrors the teacher's cmdServe check
// around config.LoadFile).
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// Config holds the fully resolved broker configuration after merging
// environment, file, and CLI flag layers. Field names track the CLI flags
// of spec.md §6 one-to-one.
type Config struct {
	Yes               bool
	Profile           string // safe | std | danger
	SandboxMode       string // bwrap | none
	Net               string // off | full
	CPUSecs           int
	MemMB             int
	TimeoutSecs       int
	MaxRuntimeSecs    int
	MaxCallsPerMin    int
	CooldownMS        int
	MaxJSONKB         int
	EnvAllow          []string
	SecretsScan       bool
	RedactPlaceholder string
	ChildDumpDir      string
	DevitBin          string
	DevitPluginBin    string
	NoAudit           bool
	PolicyDump        bool

	Approvals  Approvals
	Patterns   []PatternFile
	Workspace  string
	ConfigFile string
	LogLevel   slog.Level

	JournalPath string
	JournalKey  string
}

// defaultWorkspacePath returns "<workspace>/.devit/<filename>" per spec.md
// §6's persisted state layout.
func defaultWorkspacePath(workspace, filename string) string {
	return filepath.Join(workspace, ".devit", filename)
}

// envOr mirrors the teacher's cmd/mcplexer/config.go helper.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envOrBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "yes"
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load builds a Config from environment defaults, preloading an optional
// .env file first (grounded in _examples/ChamsBouzaiene-dodo's use of
// github.com/joho/godotenv for local dev ergonomics).
func Load(workspace string) (*Config, error) {
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("config: resolve workspace: %w", err)
		}
		workspace = wd
	}

	envFile := filepath.Join(workspace, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			slog.Warn("failed to load .env file", "path", envFile, "error", err)
		}
	}

	cfg := &Config{
		Yes:               envOrBool("DEVIT_MCPD_YES", false),
		Profile:           envOr("DEVIT_MCPD_PROFILE", "std"),
		SandboxMode:       envOr("DEVIT_MCPD_SANDBOX", "bwrap"),
		Net:               envOr("DEVIT_MCPD_NET", "off"),
		CPUSecs:           envOrInt("DEVIT_MCPD_CPU_SECS", 30),
		MemMB:             envOrInt("DEVIT_MCPD_MEM_MB", 512),
		TimeoutSecs:       envOrInt("DEVIT_MCPD_TIMEOUT_SECS", 30),
		MaxRuntimeSecs:    envOrInt("DEVIT_MCPD_MAX_RUNTIME_SECS", 0),
		MaxCallsPerMin:    envOrInt("DEVIT_MCPD_MAX_CALLS_PER_MIN", 60),
		CooldownMS:        envOrInt("DEVIT_MCPD_COOLDOWN_MS", 0),
		MaxJSONKB:         envOrInt("DEVIT_MCPD_MAX_JSON_KB", 64),
		SecretsScan:       envOrBool("DEVIT_MCPD_SECRETS_SCAN", true),
		RedactPlaceholder: envOr("DEVIT_MCPD_REDACT_PLACEHOLDER", "***REDACTED***"),
		ChildDumpDir:      envOr("DEVIT_MCPD_CHILD_DUMP_DIR", ""),
		DevitBin:          envOr("DEVIT_MCPD_DEVIT_BIN", "devit"),
		DevitPluginBin:    envOr("DEVIT_MCPD_DEVIT_PLUGIN_BIN", "devit-plugin"),
		NoAudit:           envOrBool("DEVIT_MCPD_NO_AUDIT", false),
		Workspace:         workspace,
		ConfigFile:        envOr("DEVIT_MCPD_CONFIG", filepath.Join(workspace, "devit-mcpd.yaml")),
		LogLevel:          parseLogLevel(envOr("DEVIT_MCPD_LOG_LEVEL", "info")),
		JournalPath:       defaultWorkspacePath(workspace, "journal.jsonl"),
		JournalKey:        defaultWorkspacePath(workspace, "journal.key.age"),
		Approvals:         Approvals{},
	}

	if envAllow := os.Getenv("DEVIT_MCPD_ENV_ALLOW"); envAllow != "" {
		cfg.EnvAllow = splitCSV(envAllow)
	}

	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		f, err := LoadFile(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.applyFile(f)
	}

	return cfg, nil
}

// applyFile overlays a parsed workspace file onto env-derived defaults.
// File values win over env/built-in defaults but CLI flags (applied by
// the caller afterward via ApplyFlags) win over the file.
func (c *Config) applyFile(f *File) {
	if f.MCP.Profile != "" {
		c.Profile = f.MCP.Profile
	}
	if len(f.MCP.Approvals) > 0 {
		for k, v := range f.MCP.Approvals {
			c.Approvals[k] = v
		}
	}
	if f.Secrets.Placeholder != "" {
		c.RedactPlaceholder = f.Secrets.Placeholder
	}
	if len(f.Secrets.Patterns) > 0 {
		c.Patterns = f.Secrets.Patterns
	}
	if f.Secrets.Scan != nil {
		c.SecretsScan = *f.Secrets.Scan
	}
	if f.Sandbox.Mode != "" {
		c.SandboxMode = f.Sandbox.Mode
	}
	if f.Sandbox.Net != "" {
		c.Net = f.Sandbox.Net
	}
	if f.Sandbox.CPUSecs != 0 {
		c.CPUSecs = f.Sandbox.CPUSecs
	}
	if f.Sandbox.MemMB != 0 {
		c.MemMB = f.Sandbox.MemMB
	}
	if f.Sandbox.TimeoutSec != 0 {
		c.TimeoutSecs = f.Sandbox.TimeoutSec
	}
	if len(f.Sandbox.EnvAllow) > 0 {
		c.EnvAllow = f.Sandbox.EnvAllow
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
