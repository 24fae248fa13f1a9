package host

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
	hostwazero "github.com/wasmproxy/wasmproxy/infrastructure/wazero"
	"github.com/wasmproxy/wasmproxy/log"
)

// Executor compiles plugin artifacts and instantiates them into sandboxes.
// Each sandbox gets its own wazero runtime so its host import binds to its
// own pipes; compiled code is shared through one compilation cache.
type Executor struct {
	cache  wazero.CompilationCache
	config executorConfig
}

// NewExecutor creates a new executor with the given options.
func NewExecutor(opts ...Option) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Executor{config: cfg}
	if cfg.cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create compilation cache: %w", err)
		}
		e.cache = cache
	} else {
		e.cache = wazero.NewCompilationCache()
	}
	return e, nil
}

// Close releases the compilation cache. Live sandboxes are not affected.
func (e *Executor) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// Start compiles desc's artifact, builds its environment and instantiates
// it. On success the sandbox's worker is running and awaits control
// messages; ctx bounds the sandbox's whole lifetime.
func (e *Executor) Start(ctx context.Context, desc *entities.PluginDescriptor) (*Sandbox, error) {
	if desc.Wasm == "" {
		return nil, &errors.SandboxError{Plugin: desc.Name, Phase: "compile", Err: errors.ErrNoArtifact}
	}

	bytecode, err := os.ReadFile(desc.Wasm)
	if err != nil {
		return nil, &errors.SandboxError{Plugin: desc.Name, Phase: "compile", Err: err}
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithCloseOnContextDone(true)
	if e.config.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(e.config.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	sb, err := e.instantiate(ctx, rt, desc, bytecode)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	sb.state.Store(int32(entities.StateInitializing))
	go sb.run(ctx)
	return sb, nil
}

func (e *Executor) instantiate(ctx context.Context, rt wazero.Runtime, desc *entities.PluginDescriptor, bytecode []byte) (*Sandbox, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, &errors.SandboxError{Plugin: desc.Name, Phase: "instantiate", Err: err}
	}

	compiled, err := rt.CompileModule(ctx, bytecode)
	if err != nil {
		return nil, &errors.SandboxError{Plugin: desc.Name, Phase: "compile", Err: err}
	}

	input, output := NewPipe(), NewPipe()
	id := entities.NextPluginID()
	logger := e.config.logger.With("plugin", desc.Name, "plugin_id", id)

	err = hostwazero.RegisterHostImport(ctx, rt, id, output, e.config.sink,
		hostwazero.WithModuleName(e.config.hostModule),
		hostwazero.WithMaxMessageSize(e.config.maxMessageSize),
		hostwazero.WithLogger(logger),
	)
	if err != nil {
		return nil, &errors.SandboxError{Plugin: desc.Name, Phase: "instantiate", Err: err}
	}

	dir := desc.Dir
	if dir == "" {
		dir = filepath.Dir(desc.Wasm)
	}
	stderr := log.NewGuestWriter(e.config.logger, desc.Name)

	modConfig := wazero.NewModuleConfig().
		WithName(id.String()).
		WithArgs(desc.Name).
		WithStdin(input).
		WithStdout(output).
		WithStderr(stderr).
		WithFSConfig(wazero.NewFSConfig().WithDirMount(dir, "/")).
		WithEnv("PLUGIN_NAME", desc.Name).
		WithEnv("PLUGIN_VERSION", desc.Version).
		WithEnv("PLUGIN_OS", e.config.os).
		WithEnv("PLUGIN_ARCH", e.config.arch).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithStartFunctions("_initialize")

	mod, err := rt.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return nil, &errors.SandboxError{Plugin: desc.Name, Phase: "instantiate", Err: err}
	}

	return &Sandbox{
		id:           id,
		desc:         desc,
		runtime:      rt,
		module:       mod,
		input:        input,
		stderr:       stderr,
		control:      make(chan entities.ControlMessage, controlBuffer),
		exiting:      make(chan struct{}),
		done:         make(chan struct{}),
		logger:       logger,
		stopLanguage: e.config.stopLanguage,
		info: entities.PluginInfo{
			OS:            e.config.os,
			Arch:          e.config.arch,
			Configuration: desc.Configuration,
		},
	}, nil
}

// hostPlatform reports the platform in the naming guests expect.
func hostPlatform() (osName, arch string) {
	osName = runtime.GOOS
	if osName == "darwin" {
		osName = "macos"
	}
	switch runtime.GOARCH {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	case "386":
		arch = "x86"
	default:
		arch = runtime.GOARCH
	}
	return osName, arch
}
