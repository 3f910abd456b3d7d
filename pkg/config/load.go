package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the config file name discovered in the search path.
const FileName = "callisto.json"

// Discover returns the first config file found in the search order:
// current directory, the user's home directory (dotfile form), then the
// user config directory. The boolean is false when no file exists.
func Discover() (string, bool) {
	var candidates []string

	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, FileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, "."+FileName))
	}
	if confDir, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(confDir, "callisto", "config.json"))
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Load reads a config file over the builtin defaults. The file is JSON;
// parsing goes through the YAML decoder, for which JSON is a strict
// subset, so field handling matches the struct tags used everywhere else.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file %q: %w", path, err)
	}

	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse configuration file %q: %w", path, err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// LoadDiscovered loads the discovered config file, or plain defaults when
// none exists. The returned path is empty in the default case.
func LoadDiscovered() (*Config, string, error) {
	path, ok := Discover()
	if !ok {
		return NewDefault(), "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
