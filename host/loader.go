package host

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wasmproxy/wasmproxy/application/validation"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/infrastructure/parser"
)

// loaderConfig holds configuration for the Loader.
type loaderConfig struct {
	codec  ports.DescriptorCodec
	logger *slog.Logger
}

func defaultLoaderConfig() loaderConfig {
	return loaderConfig{
		codec:  parser.NewYamlDescriptorCodec(),
		logger: slog.Default(),
	}
}

// Loader discovers and loads plugin descriptors from disk.
type Loader struct {
	config loaderConfig
}

// LoaderOption configures the Loader.
type LoaderOption func(*loaderConfig)

// WithCodec sets a custom descriptor codec.
func WithCodec(c ports.DescriptorCodec) LoaderOption {
	return func(cfg *loaderConfig) {
		cfg.codec = c
	}
}

// WithLoaderLogger sets the logger used for skipped descriptors.
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(cfg *loaderConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// NewLoader creates a new Loader with defaults.
func NewLoader(opts ...LoaderOption) *Loader {
	cfg := defaultLoaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loader{config: cfg}
}

// Codec returns the descriptor codec in use.
func (l *Loader) Codec() ports.DescriptorCodec {
	return l.config.codec
}

// Discover loads every <pluginsDir>/<name>/plugin.yaml. Descriptors that fail
// to load are logged and skipped; a missing pluginsDir yields no descriptors.
func (l *Loader) Discover(ctx context.Context, pluginsDir string) ([]*entities.PluginDescriptor, error) {
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin directory: %w", err)
	}

	var descs []*entities.PluginDescriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(pluginsDir, entry.Name(), entities.DescriptorFileName)
		if _, err := os.Stat(path); err != nil {
			l.config.logger.DebugContext(ctx, "no descriptor in plugin directory", "dir", entry.Name())
			continue
		}

		desc, err := l.LoadDescriptor(path)
		if err != nil {
			l.config.logger.WarnContext(ctx, "skipping plugin", "path", path, "error", err)
			continue
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// LoadDescriptor reads, validates and resolves one descriptor file.
func (l *Loader) LoadDescriptor(path string) (*entities.PluginDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.DescriptorError{Path: path, Err: err}
	}

	desc, err := l.config.codec.Parse(data)
	if err != nil {
		return nil, &errors.DescriptorError{Path: path, Err: err}
	}
	if err := validation.Err(validation.ValidateDescriptor(desc)); err != nil {
		return nil, &errors.DescriptorError{Path: path, Err: err}
	}

	if err := ResolvePaths(desc, filepath.Dir(path)); err != nil {
		return nil, &errors.DescriptorError{Path: path, Err: err}
	}
	return desc, nil
}

// ResolvePaths rewrites desc's artifact and theme paths against dir into
// canonical absolute form and records dir as the installation directory.
// A named artifact that does not exist is an error; unresolvable themes are
// dropped.
func ResolvePaths(desc *entities.PluginDescriptor, dir string) error {
	canonical, err := canonicalize(dir)
	if err != nil {
		return fmt.Errorf("resolve plugin directory: %w", err)
	}
	desc.Dir = canonical

	if desc.Wasm != "" {
		wasm, err := canonicalize(join(canonical, desc.Wasm))
		if err != nil {
			return fmt.Errorf("%w: %s", errors.ErrNoArtifact, desc.Wasm)
		}
		desc.Wasm = wasm
	}

	if len(desc.Themes) > 0 {
		themes := make([]string, 0, len(desc.Themes))
		for _, theme := range desc.Themes {
			if p, err := canonicalize(join(canonical, theme)); err == nil {
				themes = append(themes, p)
			}
		}
		desc.Themes = themes
	}
	return nil
}

func join(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
