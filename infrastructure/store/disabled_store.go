// Package store persists host-side plugin state on disk.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/wasmproxy/wasmproxy/domain/ports"
	"gopkg.in/yaml.v3"
)

// fileStoreConfig holds configuration for the FileStore.
type fileStoreConfig struct {
	path     string      // Path to the disabled-list file
	dirPerm  os.FileMode // Permission for created directories
	filePerm os.FileMode // Permission for the list file
}

func defaultFileStoreConfig(root string) fileStoreConfig {
	return fileStoreConfig{
		path:     filepath.Join(root, "config", "plugins.yaml"),
		dirPerm:  0o755,
		filePerm: 0o644,
	}
}

// FileStoreOption configures a FileStore instance.
type FileStoreOption func(*fileStoreConfig)

// WithPath overrides the path to the disabled-list file.
func WithPath(path string) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.path = path
	}
}

// WithFilePermissions sets the file permissions for the list file.
func WithFilePermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the permissions for the config directory.
func WithDirPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.dirPerm = perm
	}
}

// pluginConfig is the on-disk shape of the disabled list.
type pluginConfig struct {
	Disabled []string `yaml:"disabled"`
}

// FileStore provides file-based persistence for the disabled plugin names.
type FileStore struct {
	config fileStoreConfig
}

// NewFileStore creates a FileStore rooted at root (the list lives in root/config).
func NewFileStore(root string, opts ...FileStoreOption) ports.DisabledStore {
	cfg := defaultFileStoreConfig(root)
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FileStore{config: cfg}
}

// Load retrieves the disabled plugin names.
func (s *FileStore) Load() ([]string, error) {
	data, err := os.ReadFile(s.config.path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read disabled list: %w", err)
	}

	var cfg pluginConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse disabled list: %w", err)
	}
	if cfg.Disabled == nil {
		return []string{}, nil
	}
	return cfg.Disabled, nil
}

// Save rewrites the whole list (create-or-truncate, full write).
func (s *FileStore) Save(names []string) error {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	if sorted == nil {
		sorted = []string{}
	}

	data, err := yaml.Marshal(pluginConfig{Disabled: sorted})
	if err != nil {
		return fmt.Errorf("failed to marshal disabled list: %w", err)
	}

	dir := filepath.Dir(s.config.path)
	if err := os.MkdirAll(dir, s.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(s.config.path, data, s.config.filePerm); err != nil {
		return fmt.Errorf("failed to write disabled list: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the backing store.
func (s *FileStore) ConfigPath() string {
	return s.config.path
}
