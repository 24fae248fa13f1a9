package catalog

import (
	"log/slog"
	"time"

	"github.com/wasmproxy/wasmproxy/application/config"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/host"
	"github.com/wasmproxy/wasmproxy/hostfuncs"
)

// Option configures a Catalog.
type Option func(*catalogConfig)

type catalogConfig struct {
	logger       *slog.Logger
	store        ports.DisabledStore
	registry     ports.RegistryClient
	launcher     ports.LanguageServerLauncher
	core         ports.CoreClient
	loader       *host.Loader
	workspace    string
	executorOpts []host.Option
	lockOpts     []hostfuncs.LockOption
	netguardOpts []hostfuncs.NetguardOption
	stopTimeout  time.Duration
	autostart    bool
}

func defaultCatalogConfig() catalogConfig {
	return catalogConfig{
		logger:      slog.Default(),
		stopTimeout: config.DefaultStopTimeout,
		autostart:   true,
	}
}

// WithLogger sets the catalog's logger. It is also handed to the sandbox
// executor, the loader and the default language server launcher.
func WithLogger(logger *slog.Logger) Option {
	return func(c *catalogConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDisabledStore sets where the disabled plugin list is persisted.
func WithDisabledStore(store ports.DisabledStore) Option {
	return func(c *catalogConfig) {
		c.store = store
	}
}

// WithRegistry sets the client used by install and by guest downloads.
func WithRegistry(client ports.RegistryClient) Option {
	return func(c *catalogConfig) {
		c.registry = client
	}
}

// WithLauncher sets how language servers are spawned.
func WithLauncher(launcher ports.LanguageServerLauncher) Option {
	return func(c *catalogConfig) {
		c.launcher = launcher
	}
}

// WithCoreClient sets the editor core that receives language server
// notifications.
func WithCoreClient(core ports.CoreClient) Option {
	return func(c *catalogConfig) {
		c.core = core
	}
}

// WithLoader sets the descriptor loader.
func WithLoader(loader *host.Loader) Option {
	return func(c *catalogConfig) {
		c.loader = loader
	}
}

// WithWorkspace sets the directory language servers are started in.
func WithWorkspace(dir string) Option {
	return func(c *catalogConfig) {
		c.workspace = dir
	}
}

// WithExecutorOptions passes extra options to the sandbox executor.
func WithExecutorOptions(opts ...host.Option) Option {
	return func(c *catalogConfig) {
		c.executorOpts = append(c.executorOpts, opts...)
	}
}

// WithLockOptions tunes the lock_file wait budget.
func WithLockOptions(opts ...hostfuncs.LockOption) Option {
	return func(c *catalogConfig) {
		c.lockOpts = append(c.lockOpts, opts...)
	}
}

// WithNetguardOptions relaxes the address checks applied to guest downloads.
func WithNetguardOptions(opts ...hostfuncs.NetguardOption) Option {
	return func(c *catalogConfig) {
		c.netguardOpts = append(c.netguardOpts, opts...)
	}
}

// WithStopTimeout bounds how long remove and shutdown wait for a sandbox to
// reach Stopped.
func WithStopTimeout(d time.Duration) Option {
	return func(c *catalogConfig) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithAutostart controls whether StartAll, Enable and Install run plugins.
// With autostart off they only update the installation and disabled list.
func WithAutostart(enabled bool) Option {
	return func(c *catalogConfig) {
		c.autostart = enabled
	}
}
