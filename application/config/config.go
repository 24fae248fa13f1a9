// Package config provides host configuration and plugin configuration accessors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wasmproxy/wasmproxy/application/validation"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultRegistryURL    = "https://raw.githubusercontent.com"
	DefaultRegistryBranch = "master"
	DefaultHTTPTimeout    = 60 * time.Second
	DefaultLockAttempts   = 10
	DefaultLockWait       = 10 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	PluginsDirName        = "plugins"
	ConfigDirName         = "config"
	DisabledListFileName  = "plugins.yaml"
)

// LockFile bounds the wait of a lock_file notification.
type LockFile struct {
	Attempts int           `yaml:"attempts" validate:"min=1"`
	Wait     time.Duration `yaml:"wait" validate:"min=1ms"`
}

// Config is the host configuration. All plugin state lives under Root.
type Config struct {
	Root           string        `yaml:"root" validate:"required"`
	Workspace      string        `yaml:"workspace,omitempty"`
	RegistryURL    string        `yaml:"registry_url" validate:"required,url"`
	RegistryBranch string        `yaml:"registry_branch" validate:"required"`
	LogLevel       string        `yaml:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat      string        `yaml:"log_format" validate:"oneof=text json"`
	LockFile       LockFile      `yaml:"lock_file"`
	HTTPTimeout    time.Duration `yaml:"http_timeout" validate:"min=0"`
	StopTimeout    time.Duration `yaml:"stop_timeout" validate:"min=0"`

	// AllowPrivateNetwork lets the registry and guest downloads reach
	// loopback and private addresses, for registries on a local network.
	AllowPrivateNetwork bool `yaml:"allow_private_network,omitempty"`
}

// Default returns a configuration rooted at root with every default applied.
func Default(root string) *Config {
	c := &Config{Root: root}
	c.applyDefaults()
	return c
}

// Load reads a YAML configuration file, applies defaults and validates it.
// A relative root is resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.Root != "" && !filepath.IsAbs(c.Root) {
		c.Root = filepath.Join(filepath.Dir(path), c.Root)
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration's struct tags.
func (c *Config) Validate() error {
	return validation.Struct(c)
}

// PluginsDir is the directory holding one subdirectory per installed plugin.
func (c *Config) PluginsDir() string {
	return filepath.Join(c.Root, PluginsDirName)
}

// DisabledListPath is the file holding the disabled plugin names.
func (c *Config) DisabledListPath() string {
	return filepath.Join(c.Root, ConfigDirName, DisabledListFileName)
}

func (c *Config) applyDefaults() {
	if c.RegistryURL == "" {
		c.RegistryURL = DefaultRegistryURL
	}
	if c.RegistryBranch == "" {
		c.RegistryBranch = DefaultRegistryBranch
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.LockFile.Attempts == 0 {
		c.LockFile.Attempts = DefaultLockAttempts
	}
	if c.LockFile.Wait == 0 {
		c.LockFile.Wait = DefaultLockWait
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}
