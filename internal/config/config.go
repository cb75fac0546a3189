package config

import (
	"os"
	"path/filepath"
	"time"
)

// Defaults applied before any file, environment, or flag override.
const (
	DefaultHost         = "http://localhost:11434"
	DefaultModel        = "gpt-oss:latest"
	DefaultHistoryLimit = 50
	DefaultTimeout      = 300 * time.Second
	DefaultCacheTTL     = 24 * time.Hour
)

// Config holds application configuration. It is assembled once at startup
// and threaded through construction; nothing reads the environment after
// that point.
type Config struct {
	Host        string  `json:"host" yaml:"host" toml:"host"`
	Model       string  `json:"model" yaml:"model" toml:"model"`
	System      string  `json:"system" yaml:"system" toml:"system"`
	Temperature float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	NumCtx      int     `json:"num_ctx" yaml:"num_ctx" toml:"num_ctx"`

	Stream bool `json:"stream" yaml:"stream" toml:"stream"`
	JSON   bool `json:"json" yaml:"json" toml:"json"`
	Think  bool `json:"think" yaml:"think" toml:"think"`
	Color  bool `json:"color" yaml:"color" toml:"color"`
	Debug  bool `json:"debug" yaml:"debug" toml:"debug"`

	// HistoryDir is the fixed directory for saved sessions, logs, and the
	// response cache. HistoryLimit caps the number of session files kept.
	HistoryDir   string `json:"history_dir" yaml:"history_dir" toml:"history_dir"`
	HistoryLimit int    `json:"history_limit" yaml:"history_limit" toml:"history_limit"`

	// ContextBudget is the maximum number of turns sent per request,
	// counted including a leading system turn. Zero means unlimited.
	ContextBudget int `json:"context_budget" yaml:"context_budget" toml:"context_budget"`

	// Per-invocation values set from flags only, never from a file.
	Output   string `json:"-" yaml:"-" toml:"-"`
	LoadName string `json:"-" yaml:"-" toml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		Host:         DefaultHost,
		Model:        DefaultModel,
		Stream:       true,
		Color:        true,
		HistoryDir:   filepath.Join(home, ".ask_history"),
		HistoryLimit: DefaultHistoryLimit,
	}
}

// ApplyEnv overlays environment overrides onto cfg. OLLAMA_HOST and
// ASK_MODEL follow the usual ollama tooling conventions; NO_COLOR is the
// informal cross-tool standard for suppressing ANSI output.
func (cfg *Config) ApplyEnv() {
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		cfg.Host = host
	}
	if model := os.Getenv("ASK_MODEL"); model != "" {
		cfg.Model = model
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		cfg.Color = false
	}
}
