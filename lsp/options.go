package lsp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wasmproxy/wasmproxy/domain/entities"
)

const (
	DefaultInitializeTimeout = 30 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
)

// NotificationHandler receives notifications the server sends, tagged with
// the language the server was started for.
type NotificationHandler func(languageID, method string, params json.RawMessage)

// RequestHandler answers a request the server sends to the client.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Option configures a Client or Launcher.
type Option func(*clientConfig)

type clientConfig struct {
	logger            *slog.Logger
	onNotification    NotificationHandler
	onRequest         RequestHandler
	initializeTimeout time.Duration
	shutdownTimeout   time.Duration
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		logger:            slog.Default(),
		onNotification:    func(string, string, json.RawMessage) {},
		onRequest:         methodNotFound,
		initializeTimeout: DefaultInitializeTimeout,
		shutdownTimeout:   DefaultShutdownTimeout,
	}
}

// WithLogger sets the logger for transport errors and server stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithNotificationHandler sets the callback for server notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(c *clientConfig) {
		if h != nil {
			c.onNotification = h
		}
	}
}

// WithRequestHandler sets the callback for server-to-client requests.
// Without one, every such request is answered with MethodNotFound.
func WithRequestHandler(h RequestHandler) Option {
	return func(c *clientConfig) {
		if h != nil {
			c.onRequest = h
		}
	}
}

// WithInitializeTimeout bounds the initialize handshake.
func WithInitializeTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.initializeTimeout = d
		}
	}
}

// WithShutdownTimeout bounds the shutdown request and the wait for the
// process to exit before it is killed.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.shutdownTimeout = d
		}
	}
}

func methodNotFound(_ context.Context, method string, _ json.RawMessage) (any, error) {
	return nil, entities.NewRPCError(entities.CodeMethodNotFound, "method not supported: %s", method)
}
