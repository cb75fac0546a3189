package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file into cfg based on its extension.
// Supports: .yaml/.yml, .json, .toml. Fields absent from the file keep
// their current values.
func Load(path string, cfg *Config) error {
	if path == "" {
		return fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	return nil
}

// LoadDefault looks for ~/.config/ask/config.{yaml,yml,toml,json} and loads
// the first one found. A missing file is not an error.
func LoadDefault(cfg *Config) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	base := filepath.Join(home, ".config", "ask")
	for _, name := range []string{"config.yaml", "config.yml", "config.toml", "config.json"} {
		path := filepath.Join(base, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return Load(path, cfg)
	}
	return nil
}
