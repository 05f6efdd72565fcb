package internal

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultAgentBin is the external agent binary relayed to.
const DefaultAgentBin = "cursor-agent"

// Config holds all runtime settings, loaded from the environment.
type Config struct {
	// RelayKey is the server-side default API credential. When set,
	// requests without an Authorization header fall back to it.
	RelayKey string

	Host     string
	Port     int
	LogLevel string

	// WorkspaceWhitelist lists directories a <workspace> tag may point
	// into. Empty means custom workspaces are rejected.
	WorkspaceWhitelist []string

	// AgentBin is the cursor-agent binary name or path.
	AgentBin string

	// RelayBase is the root for per-session workspaces and the session
	// index file.
	RelayBase string

	// TmpDir receives materialized uploads (large text, images).
	TmpDir string

	// ExecTimeout bounds a synchronous CLI invocation.
	ExecTimeout time.Duration

	// EnableInfoInThink prefixes the first reply of a new session with a
	// <think> block carrying the session id and available directives.
	EnableInfoInThink bool
}

// LoadConfig reads settings from the environment, applying defaults.
func LoadConfig() *Config {
	cfg := &Config{
		RelayKey:          os.Getenv("RELAY_KEY"),
		Host:              envDefault("RELAY_HOST", "0.0.0.0"),
		Port:              envInt("RELAY_PORT", 8000),
		LogLevel:          envDefault("LOG_LEVEL", "info"),
		AgentBin:          envDefault("AGENT_BIN", DefaultAgentBin),
		RelayBase:         envDefault("RELAY_BASE", ".cursor-relay"),
		TmpDir:            envDefault("RELAY_TMP", filepath.Join(os.TempDir(), "cursor-relay")),
		ExecTimeout:       time.Duration(envInt("EXEC_TIMEOUT_SECONDS", 300)) * time.Second,
		EnableInfoInThink: envBool("ENABLE_INFO_IN_THINK"),
	}

	if raw := os.Getenv("WORKSPACE_WHITELIST"); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				cfg.WorkspaceWhitelist = append(cfg.WorkspaceWhitelist, trimmed)
			}
		}
	}

	return cfg
}

// Validate fails fast on configuration the server cannot run with.
func (c *Config) Validate() error {
	if _, err := exec.LookPath(c.AgentBin); err != nil {
		return &ConfigError{Field: "AGENT_BIN", Err: fmt.Errorf("%s executable not found: %w", c.AgentBin, err)}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Field: "RELAY_PORT", Err: fmt.Errorf("invalid port %d", c.Port)}
	}
	return nil
}

// StoragePath returns the session index file location.
func (c *Config) StoragePath() string {
	return filepath.Join(c.RelayBase, "sessions.json")
}

// ModelsPath returns the model cache file location.
func (c *Config) ModelsPath() string {
	return filepath.Join(c.RelayBase, "models.json")
}

// WorkspaceBase returns the directory holding per-session workspaces.
func (c *Config) WorkspaceBase() string {
	return filepath.Join(c.RelayBase, "workspaces")
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
