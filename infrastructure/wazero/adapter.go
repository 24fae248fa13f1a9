// Package wazero registers the host import surface with the wazero runtime.
package wazero

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wasmproxy/wasmproxy/domain/entities"
)

const (
	// DefaultModuleName is the import module name guests link against.
	DefaultModuleName = "host"

	// NotificationFunction is the single function exported to guests.
	NotificationFunction = "host_handle_notification"

	// DefaultMaxMessageSize limits one pipe-delivered message (1MB).
	DefaultMaxMessageSize = 1 << 20
)

// OutputReader drains the bytes a guest has written to its output pipe.
type OutputReader interface {
	Drain() []byte
}

// NotificationSink receives decoded guest notifications tagged with their origin.
type NotificationSink func(ctx context.Context, id entities.PluginID, n entities.Notification)

// AdapterConfig holds configuration for the host import.
type AdapterConfig struct {
	Logger *slog.Logger

	// ModuleName is the host module name (default: "host").
	ModuleName string

	// MaxMessageSize drops messages larger than this many bytes.
	MaxMessageSize int
}

// AdapterOption configures the adapter.
type AdapterOption func(*AdapterConfig)

// WithModuleName sets the host module name (default: "host").
func WithModuleName(name string) AdapterOption {
	return func(c *AdapterConfig) {
		if name != "" {
			c.ModuleName = name
		}
	}
}

// WithMaxMessageSize sets the maximum size of one guest message.
func WithMaxMessageSize(size int) AdapterOption {
	return func(c *AdapterConfig) {
		if size > 0 {
			c.MaxMessageSize = size
		}
	}
}

// WithLogger sets the logger used for dropped messages.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(c *AdapterConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

func defaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		ModuleName:     DefaultModuleName,
		MaxMessageSize: DefaultMaxMessageSize,
		Logger:         slog.Default(),
	}
}

// RegisterHostImport instantiates the host module on runtime. The exported
// function takes no arguments and returns nothing: each call drains output,
// decodes it as one notification and hands it to sink tagged with id.
//
// One runtime serves one sandbox, so the closure binds this sandbox's pipe.
//
// Example:
//
//	err := wazero.RegisterHostImport(ctx, runtime, id, outputPipe, catalog.Enqueue)
func RegisterHostImport(ctx context.Context, runtime wazero.Runtime, id entities.PluginID, output OutputReader, sink NotificationSink, opts ...AdapterOption) error {
	cfg := defaultAdapterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	_, err := runtime.NewHostModuleBuilder(cfg.ModuleName).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, _ []uint64) {
			handleNotification(WithPlugin(ctx, id, mod.Name()), output, sink, id, cfg)
		}), []api.ValueType{}, []api.ValueType{}).
		Export(NotificationFunction).
		Instantiate(ctx)
	return err
}

// handleNotification never fails towards the guest; the signal has no ack path.
func handleNotification(ctx context.Context, output OutputReader, sink NotificationSink, id entities.PluginID, cfg AdapterConfig) {
	data := output.Drain()
	if len(data) > cfg.MaxMessageSize {
		cfg.Logger.WarnContext(ctx, "wazero: guest message too large, dropped",
			"plugin_id", id, "size", len(data), "max", cfg.MaxMessageSize)
		return
	}

	n, err := entities.DecodeNotification(data)
	if err != nil {
		cfg.Logger.DebugContext(ctx, "wazero: undecodable guest message dropped",
			"plugin_id", id, "error", err)
		return
	}

	if sink != nil {
		sink(ctx, id, n)
	}
}
