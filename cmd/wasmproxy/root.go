package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/wasmproxy/wasmproxy/application/config"
	domainerrors "github.com/wasmproxy/wasmproxy/domain/errors"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/host/catalog"
	"github.com/wasmproxy/wasmproxy/hostfuncs"
	"github.com/wasmproxy/wasmproxy/infrastructure/prompter"
	"github.com/wasmproxy/wasmproxy/infrastructure/registry"
	"github.com/wasmproxy/wasmproxy/log"
)

var (
	Version   = "dev"     // Overridden by ldflags
	BuildTime = "unknown" // Overridden by ldflags
)

// rootEnv names the environment variable consulted when neither --root nor
// --config is given.
const rootEnv = "WASMPROXY_ROOT"

// app carries the global flags and the process streams shared by every
// subcommand.
type app struct {
	stdin      io.Reader
	stdout     io.Writer
	stderr     io.Writer
	prompter   ports.Prompter
	configPath string
	root       string
	logLevel   string
	logFormat  string
}

func newApp() *app {
	return &app{
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		prompter: prompter.NewCliPrompter(os.Stdin, os.Stderr),
	}
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wasmproxy",
		Short: "Sandboxed WebAssembly plugin host for editors",
		Long: `wasmproxy runs editor plugins compiled to WebAssembly in isolated sandboxes.

Plugins are installed under <root>/plugins. The "run" command serves the
editor core over line-delimited JSON on stdin and stdout; the remaining
commands manage installed plugins without running them.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		BuildTime, goVersion(), runtime.GOOS, runtime.GOARCH))
	rootCmd.SetIn(a.stdin)
	rootCmd.SetOut(a.stdout)
	rootCmd.SetErr(a.stderr)

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&a.root, "root", "", "Data directory (default is $"+rootEnv+" or the user config directory)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format: text or json")

	rootCmd.AddCommand(newRunCommand(a))
	rootCmd.AddCommand(newPluginCommands(a)...)
	rootCmd.AddCommand(newSchemaCommand())

	return rootCmd
}

// goVersion returns the Go version used to build the binary
func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

// loadConfig reads --config when given, otherwise starts from defaults.
// Flags override what the file says.
func (a *app) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		root, err := defaultRoot()
		if err != nil {
			return nil, err
		}
		cfg = config.Default(root)
	}

	if a.root != "" {
		cfg.Root = a.root
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultRoot() (string, error) {
	if root := os.Getenv(rootEnv); root != "" {
		return root, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("no data directory: set --root or $%s: %w", rootEnv, err)
	}
	return filepath.Join(dir, "wasmproxy"), nil
}

// newLogger builds the process logger on stderr; stdout belongs to the
// editor core.
func (a *app) newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return log.New(a.stderr, log.WithLevel(level), log.WithFormat(cfg.LogFormat)), nil
}

// catalogOptions maps the configuration onto catalog options.
func catalogOptions(cfg *config.Config, logger *slog.Logger) []catalog.Option {
	var guard []hostfuncs.NetguardOption
	if cfg.AllowPrivateNetwork {
		guard = append(guard, hostfuncs.WithAllowPrivate(true), hostfuncs.WithAllowLoopback(true))
	}

	client := registry.NewClient(
		registry.WithBaseURL(cfg.RegistryURL),
		registry.WithBranch(cfg.RegistryBranch),
		registry.WithTimeout(cfg.HTTPTimeout),
		registry.WithHTTPClient(&http.Client{Transport: hostfuncs.GuardedTransport(guard...)}),
	)

	return []catalog.Option{
		catalog.WithLogger(logger),
		catalog.WithRegistry(client),
		catalog.WithWorkspace(cfg.Workspace),
		catalog.WithStopTimeout(cfg.StopTimeout),
		catalog.WithNetguardOptions(guard...),
		catalog.WithLockOptions(
			hostfuncs.WithLockAttempts(cfg.LockFile.Attempts),
			hostfuncs.WithLockWait(cfg.LockFile.Wait),
		),
	}
}

// session is a catalog whose mainloop is running.
type session struct {
	catalog *catalog.Catalog
	runDone chan error
}

// openCatalog builds a catalog from cfg, starts its mainloop and loads the
// installed plugins.
func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...catalog.Option) (*session, error) {
	cat, err := catalog.New(cfg.Root, append(catalogOptions(cfg, logger), opts...)...)
	if err != nil {
		return nil, err
	}

	s := &session{catalog: cat, runDone: make(chan error, 1)}
	go func() {
		s.runDone <- cat.Run(context.WithoutCancel(ctx))
	}()

	if err := cat.Reload(ctx); err != nil {
		_ = s.close(context.WithoutCancel(ctx))
		return nil, err
	}
	return s, nil
}

// close shuts the catalog down and waits for its mainloop to exit. A
// catalog the core already shut down is not an error.
func (s *session) close(ctx context.Context) error {
	err := s.catalog.Shutdown(ctx)
	if errors.Is(err, domainerrors.ErrBrokerClosed) {
		err = nil
	}
	<-s.runDone
	return err
}

// offline opens a catalog that persists changes without running plugins.
func (a *app) offline(ctx context.Context) (*session, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := a.newLogger(cfg)
	if err != nil {
		return nil, err
	}
	return openCatalog(ctx, cfg, logger, catalog.WithAutostart(false))
}

// withCatalog runs fn against an offline catalog and closes it afterwards.
func (a *app) withCatalog(ctx context.Context, fn func(cat *catalog.Catalog) error) error {
	s, err := a.offline(ctx)
	if err != nil {
		return err
	}
	fnErr := fn(s.catalog)
	closeErr := s.close(context.WithoutCancel(ctx))
	if fnErr != nil {
		return fnErr
	}
	return closeErr
}
