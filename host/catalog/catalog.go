// Package catalog owns every known plugin and every live sandbox.
//
// All catalog state is touched only from the mainloop goroutine started by
// Run. Public methods are safe for concurrent use: each one posts a closure
// to the mainloop and waits for its result. Work that may block for long
// (network fetches, lock file waits, waiting for a sandbox to stop) runs on
// the calling goroutine or a goroutine of its own, never on the mainloop.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/wasmproxy/wasmproxy/application/config"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/host"
	"github.com/wasmproxy/wasmproxy/host/broker"
	"github.com/wasmproxy/wasmproxy/hostfuncs"
	"github.com/wasmproxy/wasmproxy/infrastructure/registry"
	"github.com/wasmproxy/wasmproxy/infrastructure/store"
	"github.com/wasmproxy/wasmproxy/lsp"
)

// Catalog is the registry and lifecycle manager for all plugins.
type Catalog struct {
	// Mainloop-owned state.
	descriptors map[string]*entities.PluginDescriptor
	sandboxes   map[entities.PluginID]*host.Sandbox
	byName      map[string]entities.PluginID
	disabled    map[string]struct{}
	servers     map[string][]ports.LanguageServer

	// stopping holds sandboxes already told to stop; restart holds names
	// to start again once their stopping sandbox has exited.
	stopping map[entities.PluginID]struct{}
	restart  map[string]struct{}

	loop       *broker.Mainloop
	executor   *host.Executor
	logger     *slog.Logger
	pluginsDir string
	config     catalogConfig
}

// New returns a catalog rooted at root. Plugins live under
// <root>/plugins and the disabled list under <root>/config unless a store
// is supplied. The catalog is idle until Run is called.
func New(root string, opts ...Option) (*Catalog, error) {
	if root == "" {
		return nil, fmt.Errorf("catalog root is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog root: %w", err)
	}

	cfg := defaultCatalogConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Catalog{
		descriptors: make(map[string]*entities.PluginDescriptor),
		sandboxes:   make(map[entities.PluginID]*host.Sandbox),
		byName:      make(map[string]entities.PluginID),
		disabled:    make(map[string]struct{}),
		servers:     make(map[string][]ports.LanguageServer),
		stopping:    make(map[entities.PluginID]struct{}),
		restart:     make(map[string]struct{}),
		loop:        broker.NewMainloop(cfg.logger),
		logger:      cfg.logger,
		pluginsDir:  filepath.Join(root, config.PluginsDirName),
	}

	if cfg.store == nil {
		cfg.store = store.NewFileStore(root)
	}
	if cfg.registry == nil {
		cfg.registry = registry.NewClient(registry.WithHTTPClient(&http.Client{
			Transport: hostfuncs.GuardedTransport(cfg.netguardOpts...),
		}))
	}
	if cfg.loader == nil {
		cfg.loader = host.NewLoader(host.WithLoaderLogger(cfg.logger))
	}
	if cfg.launcher == nil {
		cfg.launcher = lsp.NewLauncher(
			lsp.WithLogger(cfg.logger),
			lsp.WithNotificationHandler(c.PublishServerNotification),
		)
	}
	c.config = cfg

	execOpts := append([]host.Option{
		host.WithLogger(cfg.logger),
		host.WithNotificationSink(c.HandleNotification),
		host.WithStopLanguage(c.StopLanguage),
	}, cfg.executorOpts...)
	c.executor, err = host.NewExecutor(execOpts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PluginsDir returns the directory plugins are installed under.
func (c *Catalog) PluginsDir() string {
	return c.pluginsDir
}

// Run applies queued commands until ctx is done or Shutdown completes.
// Sandboxes started by the catalog live no longer than ctx.
func (c *Catalog) Run(ctx context.Context) error {
	return c.loop.Run(ctx, loopHandler{c})
}

// Submit queues a request, notification or document change from the
// editor core.
func (c *Catalog) Submit(cmd broker.Command) error {
	return c.loop.Submit(cmd)
}

// HandleNotification receives a decoded guest notification. It is the
// sandboxes' notification sink and may be called from any goroutine.
func (c *Catalog) HandleNotification(_ context.Context, id entities.PluginID, n entities.Notification) {
	if err := c.loop.Post(notificationEvent{id: id, n: n}); err != nil {
		c.logger.Debug("dropping notification", "plugin_id", id, "method", n.Method(), "error", err)
	}
}

// StopLanguage tears down the language servers attached for languageID.
func (c *Catalog) StopLanguage(languageID string) {
	if err := c.loop.Post(stopLanguageEvent{languageID: languageID}); err != nil {
		c.logger.Debug("dropping stop request", "language_id", languageID, "error", err)
	}
}

// PublishServerNotification forwards a language server notification to the
// editor core, tagged with the language it came from.
func (c *Catalog) PublishServerNotification(languageID, method string, params json.RawMessage) {
	if c.config.core == nil {
		return
	}
	payload := serverNotificationPayload{LanguageID: languageID, Method: method, Params: params}
	if err := c.config.core.Notify(MethodServerNotification, payload); err != nil {
		c.logger.Debug("forwarding server notification failed", "language_id", languageID, "method", method, "error", err)
	}
}

// call is a closure executed on the mainloop; its error is sent on done.
type call struct {
	fn   func(ctx context.Context) error
	done chan error
}

type notificationEvent struct {
	n  entities.Notification
	id entities.PluginID
}

type stopLanguageEvent struct {
	languageID string
}

type lspLoadedEvent struct {
	server ports.LanguageServer
}

type lspExitedEvent struct {
	server ports.LanguageServer
}

type sandboxExitedEvent struct {
	id entities.PluginID
}

// do runs fn on the mainloop and waits for it. ctx bounds only the wait;
// fn always receives the mainloop's context.
func (c *Catalog) do(ctx context.Context, fn func(ctx context.Context) error) error {
	ev := &call{fn: fn, done: make(chan error, 1)}
	if err := c.loop.Post(ev); err != nil {
		return err
	}
	select {
	case err := <-ev.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopHandler is the mainloop's view of the catalog.
type loopHandler struct {
	c *Catalog
}

func (h loopHandler) HandleServerRequest(ctx context.Context, req broker.ServerRequest) {
	h.c.serverRequest(ctx, req)
}

func (h loopHandler) HandleServerNotification(ctx context.Context, n broker.ServerNotification) {
	h.c.serverNotification(ctx, n)
}

func (h loopHandler) HandleDidChangeTextDocument(ctx context.Context, change broker.DidChangeTextDocument) {
	h.c.didChangeTextDocument(ctx, change)
}

func (h loopHandler) HandleEvent(ctx context.Context, payload any) {
	c := h.c
	switch ev := payload.(type) {
	case *call:
		ev.done <- ev.fn(ctx)
	case notificationEvent:
		c.route(ctx, ev.id, ev.n)
	case stopLanguageEvent:
		c.stopLanguage(ctx, ev.languageID)
	case lspLoadedEvent:
		c.attachServer(ctx, ev.server)
	case lspExitedEvent:
		c.detachServer(ctx, ev.server)
	case sandboxExitedEvent:
		c.sandboxExited(ctx, ev.id)
	default:
		c.logger.WarnContext(ctx, "unknown catalog event", "type", fmt.Sprintf("%T", payload))
	}
}
