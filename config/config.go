package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// DefaultConfig mirrors the defaults the vendor's own tooling assumes.
	DefaultConfig = &Config{
		BaseURL:        "https://vast.ai/api/v0",
		APIKeyFile:     "~/.vast_api_key",
		SSHKeyDir:      "~/.ssh",
		SSHUser:        "root",
		SSHDialTimeout: 5 * time.Second,
	}
)

// Config holds the process-wide defaults for talking to the vast.ai API.
// Paths are kept as given (possibly "~"-prefixed); ExpandUser resolves them
// so tests can redirect everything to temporary directories.
type Config struct {
	BaseURL        string
	APIKey         string
	APIKeyFile     string
	SSHKeyDir      string
	SSHUser        string
	SSHDialTimeout time.Duration
}

// FromEnviron builds a *Config from DefaultConfig plus any VAST_-prefixed
// overrides found in the environment:
//
//	VAST_URL              API base URL
//	VAST_API_KEY          bearer credential, bypasses the key file
//	VAST_API_KEY_FILE     path to the stored credential
//	VAST_SSH_KEY_DIR      directory scanned for matching ssh keys
//	VAST_SSH_USER         remote user for ssh sessions
//	VAST_SSH_DIAL_TIMEOUT ssh connect timeout, e.g. "10s"
func FromEnviron() *Config {
	cfg := *DefaultConfig

	if v := os.Getenv("VAST_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("VAST_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("VAST_API_KEY_FILE"); v != "" {
		cfg.APIKeyFile = v
	}
	if v := os.Getenv("VAST_SSH_KEY_DIR"); v != "" {
		cfg.SSHKeyDir = v
	}
	if v := os.Getenv("VAST_SSH_USER"); v != "" {
		cfg.SSHUser = v
	}
	if v := os.Getenv("VAST_SSH_DIAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SSHDialTimeout = d
		}
	}

	return &cfg
}

// ExpandUser resolves a leading "~" against the current user's home
// directory. Paths without the prefix are returned unchanged.
func ExpandUser(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if path == "~" {
		return home
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~/"))
}
