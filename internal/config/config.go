// Package config reads and writes replica's global configuration and
// credentials under ~/.config/replica. Getters resolve each setting from the
// environment first, then the config file, then a default.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entity binds an entity name to its remote root.
type Entity struct {
	Name     string `json:"name" yaml:"name"`
	Root     string `json:"root,omitempty" yaml:"root,omitempty"` // default: server URL + "/" + name
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Config is the global config stored as config.json or config.yaml.
type Config struct {
	ServerURL   string   `json:"server_url,omitempty" yaml:"server_url,omitempty"`
	PushURL     string   `json:"push_url,omitempty" yaml:"push_url,omitempty"`
	Identity    string   `json:"identity,omitempty" yaml:"identity,omitempty"`
	DBPath      string   `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	Backend     string   `json:"backend,omitempty" yaml:"backend,omitempty"` // sqlite or pebble
	Entities    []Entity `json:"entities,omitempty" yaml:"entities,omitempty"`
	LogLevel    string   `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat   string   `json:"log_format,omitempty" yaml:"log_format,omitempty"` // text or json
	HTTPTimeout string   `json:"http_timeout,omitempty" yaml:"http_timeout,omitempty"`
}

// configFiles are tried in order; the first that exists wins.
var configFiles = []string{"config.yaml", "config.yml", "config.json"}

// Dir returns the config directory, creating it if necessary.
// REPLICA_CONFIG_DIR overrides ~/.config/replica.
func Dir() (string, error) {
	dir := os.Getenv("REPLICA_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "replica")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Path returns the config file in use, or where config.json would be written.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	for _, name := range configFiles {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config file. A missing file yields an empty config.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}

// Save writes cfg to the config file in use, keeping its format.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	var data []byte
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return writeAtomic(path, data, 0644)
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// writeAtomic writes data to a temp file in the same dir, then renames it.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
