package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/agentdock/agentdock/internal/activity"
)

// ConfigFileName is the TOML config file looked up under the data dir.
const ConfigFileName = "agentdock.toml"

// Config is the user-facing server configuration.
type Config struct {
	// Listen is the HTTP/WebSocket listen address.
	Listen string `toml:"listen"`

	// DataDir holds the sqlite database, logs, and runtime files.
	DataDir string `toml:"data_dir"`

	Log           LogConfig           `toml:"log"`
	Buffer        BufferConfig        `toml:"buffer"`
	Detector      DetectorConfig      `toml:"detector"`
	Notifications NotificationsConfig `toml:"notifications"`
	Push          PushConfig          `toml:"push"`

	// Agents defines the runnable agent tools by id.
	Agents map[string]AgentDef `toml:"agents"`
}

// LogConfig mirrors the logging package knobs.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// BufferConfig controls per-worker output buffering.
type BufferConfig struct {
	// LimitBytes caps the in-memory output ring buffer per worker.
	LimitBytes int `toml:"limit_bytes"`
	// MirrorDir, if set, mirrors worker output to append-only files there.
	MirrorDir string `toml:"mirror_dir"`
}

// DetectorConfig tunes the activity detector. Zero values take the
// detector's built-in defaults.
type DetectorConfig struct {
	RateWindowMS     int `toml:"rate_window_ms"`
	RateThreshold    int `toml:"rate_threshold"`
	IdleTimeoutMS    int `toml:"idle_timeout_ms"`
	AskingDebounceMS int `toml:"asking_debounce_ms"`
	TypingTimeoutMS  int `toml:"typing_timeout_ms"`
	TailLimit        int `toml:"tail_limit"`
}

// Tuning converts the config into detector tuning.
func (c DetectorConfig) Tuning() activity.Tuning {
	return activity.Tuning{
		RateWindow:     time.Duration(c.RateWindowMS) * time.Millisecond,
		RateThreshold:  c.RateThreshold,
		IdleTimeout:    time.Duration(c.IdleTimeoutMS) * time.Millisecond,
		AskingDebounce: time.Duration(c.AskingDebounceMS) * time.Millisecond,
		TypingTimeout:  time.Duration(c.TypingTimeoutMS) * time.Millisecond,
		TailLimit:      c.TailLimit,
	}
}

// NotificationsConfig controls outbound notification policy.
type NotificationsConfig struct {
	DebounceMS int `toml:"debounce_ms"`

	// Triggers enables or disables individual trigger types. Missing keys
	// keep their defaults: waiting/idle/error on, active/exited off.
	Triggers map[string]bool `toml:"triggers"`
}

// PushConfig holds web push delivery credentials.
type PushConfig struct {
	VAPIDPublicKey  string `toml:"vapid_public_key"`
	VAPIDPrivateKey string `toml:"vapid_private_key"`
	Subject         string `toml:"subject"`
}

// AgentDef describes one runnable agent tool.
type AgentDef struct {
	// Command is the shell command template. {{cwd}} expands to the
	// shell-quoted working directory, {{prompt}} to the initial prompt.
	// The prompt is never interpolated into the command string; {{prompt}}
	// expands to a shell reference to the AGENTDOCK_PROMPT env var.
	Command string `toml:"command"`

	// Env is injected into the agent process, overriding repository env.
	Env map[string]string `toml:"env"`

	// AskingPatterns override the built-in asking detection patterns.
	// Plain substrings, or "re:" prefixed regular expressions.
	AskingPatterns []string `toml:"asking_patterns"`
}

// Patterns returns the agent's asking patterns, falling back to built-ins.
func (a AgentDef) Patterns(agentID string) []string {
	if len(a.AskingPatterns) > 0 {
		return a.AskingPatterns
	}
	return activity.DefaultAskingPatterns(agentID)
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".agentdock")
	return Config{
		Listen:  "127.0.0.1:8620",
		DataDir: dataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Buffer: BufferConfig{
			LimitBytes: 256 * 1024,
		},
		Notifications: NotificationsConfig{
			DebounceMS: 2000,
		},
		Agents: map[string]AgentDef{
			"claude": {Command: "claude {{prompt}}"},
			"gemini": {Command: "gemini {{prompt}}"},
			"codex":  {Command: "codex {{prompt}}"},
		},
	}
}

// Load reads the config file at path, overlaying the defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Buffer.LimitBytes <= 0 {
		cfg.Buffer.LimitBytes = 256 * 1024
	}
	return cfg, nil
}
