// Package config loads and saves bob's TOML configuration file and exposes
// typed accessors for the daemon's subsystems (Telegram, engines, heartbeat,
// DND, projects).
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// EngineConfig holds per-engine overrides.
type EngineConfig struct {
	SkipPermissions bool `toml:"skip_permissions,omitempty"`
	Yolo            bool `toml:"yolo,omitempty"`
}

// TelegramConfig holds the chat transport's credentials and filters.
type TelegramConfig struct {
	Token       string  `toml:"token"`
	Allowlist   []int64 `toml:"allowlist"`
	AckReaction string  `toml:"ack_reaction"`
}

// HeartbeatConfig configures the periodic event-draining dispatcher.
type HeartbeatConfig struct {
	Enabled bool   `toml:"enabled"`
	Prompt  string `toml:"prompt,omitempty"`
	File    string `toml:"file,omitempty"`
}

// DNDConfig configures the scheduled do-not-disturb window.
// Start/End are "HH:MM" wall-clock strings in the daemon's configured Timezone.
type DNDConfig struct {
	Enabled bool   `toml:"enabled"`
	Start   string `toml:"start"`
	End     string `toml:"end"`
}

// ActiveHoursConfig is the DND window flattened together with the
// configured timezone, as returned by Config.ActiveHours. The heartbeat
// dispatcher has no active-hours gate and does not read it.
type ActiveHoursConfig struct {
	Start    string
	End      string
	Timezone string
}

// EmbeddingConfig points the recall index at an OpenAI-compatible
// embeddings endpoint. Empty BaseURL disables vector search; the recall
// index falls back to lexical-only search in that case.
type EmbeddingConfig struct {
	BaseURL string `toml:"base_url,omitempty"`
	APIKey  string `toml:"api_key,omitempty"`
	Model   string `toml:"model,omitempty"`
}

// ProjectConfig binds a `/<alias>` directive to a working directory.
type ProjectConfig struct {
	Path           string `toml:"path"`
	WorktreesRoot  string `toml:"worktrees_root,omitempty"`
	DefaultBranch  string `toml:"default_branch,omitempty"`
	DefaultEngine  string `toml:"default_engine,omitempty"`
}

// Config is the root configuration document, loaded from config.toml.
type Config struct {
	DefaultEngine string `toml:"default_engine"`
	Locale        string `toml:"locale"`
	Timezone      string `toml:"timezone"`

	Telegram TelegramConfig `toml:"telegram"`

	Engines map[string]EngineConfig `toml:"engines"`

	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	DND       DNDConfig       `toml:"dnd"`
	Embedding EmbeddingConfig `toml:"embedding"`

	Projects map[string]ProjectConfig `toml:"projects"`
}

// Default returns a fresh configuration with sane defaults and no secrets.
func Default() *Config {
	return &Config{
		DefaultEngine: "claude",
		Locale:        "en-US",
		Timezone:      "UTC",
		Telegram: TelegramConfig{
			AckReaction: "👍",
		},
		Engines: map[string]EngineConfig{
			"claude": {},
			"codex":  {},
		},
		Heartbeat: HeartbeatConfig{
			Enabled: false,
		},
		DND: DNDConfig{
			Enabled: false,
		},
		Projects: map[string]ProjectConfig{},
	}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.Engines == nil {
		cfg.Engines = map[string]EngineConfig{}
	}
	if cfg.Projects == nil {
		cfg.Projects = map[string]ProjectConfig{}
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open config for write: %w", err)
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// ActiveHours returns the DND window with the configured timezone, or nil
// when DND is disabled.
func (c *Config) ActiveHours() *ActiveHoursConfig {
	if !c.DND.Enabled {
		return nil
	}
	return &ActiveHoursConfig{Start: c.DND.Start, End: c.DND.End, Timezone: c.Timezone}
}

// EngineOverride returns the per-engine overrides, or a zero value if unset.
func (c *Config) EngineOverride(engineID string) EngineConfig {
	if c.Engines == nil {
		return EngineConfig{}
	}
	return c.Engines[engineID]
}

// IsAllowed reports whether a Telegram user ID may talk to the daemon.
// An empty allowlist denies everyone except explicit entries — there is no
// "no filter" mode, matching spec.md §6's TOML semantics note.
func (c *Config) IsAllowed(userID int64) bool {
	for _, id := range c.Telegram.Allowlist {
		if id == userID {
			return true
		}
	}
	return false
}

// ExpandHome replaces a leading "~" with the current user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	rest := strings.TrimPrefix(path, "~")
	var home string
	if u, err := user.Current(); err == nil {
		home = u.HomeDir
	} else if h := os.Getenv("HOME"); h != "" {
		home = h
	}
	if home == "" {
		return path
	}
	return filepath.Join(home, rest)
}
