package host

import (
	"log/slog"

	hostwazero "github.com/wasmproxy/wasmproxy/infrastructure/wazero"
)

// StopLanguageFunc terminates the language servers started for a language id.
type StopLanguageFunc func(languageID string)

// Option defines a functional option for configuring the Executor.
type Option func(*executorConfig)

type executorConfig struct {
	sink             hostwazero.NotificationSink
	stopLanguage     StopLanguageFunc
	logger           *slog.Logger
	hostModule       string
	cacheDir         string
	os               string
	arch             string
	maxMessageSize   int
	memoryLimitPages uint32
}

func defaultExecutorConfig() executorConfig {
	osName, arch := hostPlatform()
	return executorConfig{
		logger:         slog.Default(),
		hostModule:     hostwazero.DefaultModuleName,
		maxMessageSize: hostwazero.DefaultMaxMessageSize,
		os:             osName,
		arch:           arch,
	}
}

// WithNotificationSink sets where decoded guest notifications are delivered.
func WithNotificationSink(sink hostwazero.NotificationSink) Option {
	return func(c *executorConfig) {
		c.sink = sink
	}
}

// WithStopLanguage sets the fallback used when a guest has no stop export.
func WithStopLanguage(fn StopLanguageFunc) Option {
	return func(c *executorConfig) {
		c.stopLanguage = fn
	}
}

// WithLogger sets the logger for sandbox lifecycle events and guest stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(c *executorConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHostModuleName overrides the import module name guests link against.
func WithHostModuleName(name string) Option {
	return func(c *executorConfig) {
		c.hostModule = name
	}
}

// WithMaxMessageSize limits one guest notification.
func WithMaxMessageSize(size int) Option {
	return func(c *executorConfig) {
		c.maxMessageSize = size
	}
}

// WithCompilationCacheDir persists compiled modules under dir.
func WithCompilationCacheDir(dir string) Option {
	return func(c *executorConfig) {
		c.cacheDir = dir
	}
}

// WithMemoryLimitPages caps each sandbox's linear memory (64KiB pages).
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// WithPlatform overrides the os and arch reported to guests.
func WithPlatform(osName, arch string) Option {
	return func(c *executorConfig) {
		c.os = osName
		c.arch = arch
	}
}
