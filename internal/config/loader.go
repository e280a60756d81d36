package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading and processing
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// Default returns a configuration with every default applied
func (l *Loader) Default() *Config {
	config := &Config{}
	config.SetDefaults()
	return config
}

// Load loads configuration from a file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as JSON.
func (l *Loader) Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return l.LoadFromYAML(data)
	default:
		return l.LoadFromJSON(data)
	}
}

// LoadFromJSON loads configuration directly from JSON bytes
func (l *Loader) LoadFromJSON(data []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config JSON")
	}
	return l.finish(&config)
}

// LoadFromYAML loads configuration directly from YAML bytes
func (l *Loader) LoadFromYAML(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config YAML")
	}
	return l.finish(&config)
}

func (l *Loader) finish(config *Config) (*Config, error) {
	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return config, nil
}
