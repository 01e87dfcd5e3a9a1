package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// FileNames are searched in order inside a config directory.
var FileNames = []string{"conduit.jsonc", "conduit.json", "conduit.yaml", "conduit.yml"}

// ErrNotFound means no config file exists at the searched locations.
var ErrNotFound = errors.New("config file not found")

// FindConfigPath returns the config file to load using precedence:
// 1. explicit (a file, or a directory containing one of FileNames)
// 2. $CONDUIT_HOME
// 3. ~/.conduit
func FindConfigPath(explicit string) (string, error) {
	if explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, explicit)
		}
		if !info.IsDir() {
			return filepath.Abs(explicit)
		}
		if path, ok := findIn(explicit); ok {
			return path, nil
		}
		return "", fmt.Errorf("%w in %s", ErrNotFound, explicit)
	}

	if path, ok := findIn(Home()); ok {
		return path, nil
	}
	return "", fmt.Errorf("%w; tried %s in %s", ErrNotFound, strings.Join(FileNames, ", "), Home())
}

func findIn(dir string) (string, bool) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs, true
			}
			return path, true
		}
	}
	return "", false
}

// Load reads explicit (or the first file found by FindConfigPath) over the
// defaults and validates the result. Without an explicit path a missing file
// yields the defaults.
func Load(explicit string) (*Config, error) {
	path, err := FindConfigPath(explicit)
	if errors.Is(err, ErrNotFound) && explicit == "" {
		cfg := Defaults()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	return LoadFile(path)
}

// LoadFile parses one config file over the defaults. Files ending in .yaml
// or .yml are YAML; anything else is JSON with comments and trailing commas.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if cfg.Models == nil {
		cfg.Models = map[string]ModelDefinition{}
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
