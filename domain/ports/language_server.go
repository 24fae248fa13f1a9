package ports

import (
	"context"
	"encoding/json"

	"github.com/wasmproxy/wasmproxy/domain/entities"
)

// LanguageServerSpec describes a language server process to spawn.
type LanguageServerSpec struct {
	Options    json.RawMessage
	ExecPath   string
	LanguageID string
	Workspace  string
	Args       []string
	PluginID   entities.PluginID
}

// LanguageServer is an attached language server process.
type LanguageServer interface {
	// LanguageID returns the language this server was started for.
	LanguageID() string

	// PluginID returns the plugin that asked for this server.
	PluginID() entities.PluginID

	// Request sends a request; cont runs once with the response.
	Request(method string, params any, cont entities.Continuation)

	// Notify sends a notification.
	Notify(method string, params any) error

	// Shutdown asks the server to exit and releases the process.
	Shutdown(ctx context.Context) error

	// Done is closed once the server has exited or its output has ended.
	Done() <-chan struct{}
}

// LanguageServerLauncher spawns language servers.
type LanguageServerLauncher interface {
	// Launch starts the process and completes the initialize handshake.
	Launch(ctx context.Context, spec LanguageServerSpec) (LanguageServer, error)
}
