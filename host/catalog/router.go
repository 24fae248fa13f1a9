package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/host/broker"
	"github.com/wasmproxy/wasmproxy/hostfuncs"
)

// MethodServerNotification is the core notification that carries a
// language server notification.
const MethodServerNotification = "language_server_notification"

type serverNotificationPayload struct {
	LanguageID string          `json:"language_id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type didChangeParams struct {
	TextDocument   entities.VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []entities.TextDocumentContentChangeEvent `json:"contentChanges"`
}

// route applies a guest notification. Side effects that touch the
// filesystem or network run on their own goroutine.
func (c *Catalog) route(ctx context.Context, id entities.PluginID, n entities.Notification) {
	sb, ok := c.sandboxes[id]
	if !ok {
		c.logger.WarnContext(ctx, "notification from unknown plugin", "plugin_id", id, "method", n.Method())
		return
	}
	desc := sb.Descriptor()
	logger := c.logger.With("plugin", desc.Name, "plugin_id", id, "method", n.Method())

	switch n := n.(type) {
	case *entities.StartLspServer:
		n.PluginID = id
		n.Workspace = c.config.workspace
		c.startLspServer(ctx, n, logger)
	case *entities.DownloadFile:
		c.inPluginDir(ctx, desc.Dir, logger, func(root *os.Root) error {
			return hostfuncs.DownloadFile(ctx, root, c.config.registry, n.URL, n.Path, c.config.netguardOpts...)
		})
	case *entities.LockFile:
		opts := append(slices.Clone(c.config.lockOpts), hostfuncs.WithLockLogger(logger))
		c.inPluginDir(ctx, desc.Dir, logger, func(root *os.Root) error {
			return hostfuncs.LockFile(ctx, root, n.Path, opts...)
		})
	case *entities.MakeFileExecutable:
		c.inPluginDir(ctx, desc.Dir, logger, func(root *os.Root) error {
			return hostfuncs.MakeFileExecutable(root, n.Path)
		})
	default:
		logger.WarnContext(ctx, "unhandled notification")
	}
}

func (c *Catalog) inPluginDir(ctx context.Context, dir string, logger *slog.Logger, fn func(root *os.Root) error) {
	go func() {
		root, err := os.OpenRoot(dir)
		if err != nil {
			logger.WarnContext(ctx, "opening plugin directory failed", "error", err)
			return
		}
		defer root.Close()

		if err := fn(root); err != nil {
			logger.WarnContext(ctx, "notification failed", "error", err)
			return
		}
		logger.DebugContext(ctx, "notification handled")
	}()
}

// startLspServer resolves the executable and spawns the server off the
// mainloop. Refused or unresolvable paths are logged and dropped.
func (c *Catalog) startLspServer(ctx context.Context, n *entities.StartLspServer, logger *slog.Logger) {
	var execPath string
	if n.IsSystem() {
		name, err := hostfuncs.SystemExecName(n.ExecPath)
		if err != nil {
			logger.WarnContext(ctx, "refusing system language server", "exec_path", n.ExecPath, "error", err)
			return
		}
		execPath = name
	} else {
		sb, ok := c.sandboxes[n.PluginID]
		if !ok {
			logger.WarnContext(ctx, "language server requested for unknown plugin", "exec_path", n.ExecPath)
			return
		}
		p, err := hostfuncs.PluginExecPath(sb.Descriptor().Dir, n.ExecPath)
		if err != nil {
			logger.WarnContext(ctx, "refusing plugin language server", "exec_path", n.ExecPath, "error", err)
			return
		}
		execPath = p
	}

	spec := ports.LanguageServerSpec{
		Options:    n.Options,
		ExecPath:   execPath,
		LanguageID: n.LanguageID,
		Workspace:  n.Workspace,
		PluginID:   n.PluginID,
	}
	go func() {
		server, err := c.config.launcher.Launch(ctx, spec)
		if err != nil {
			logger.ErrorContext(ctx, "language server failed to start", "exec_path", execPath, "error", err)
			return
		}
		if err := c.loop.Post(lspLoadedEvent{server: server}); err != nil {
			_ = server.Shutdown(context.WithoutCancel(ctx))
		}
	}()
}

func (c *Catalog) attachServer(ctx context.Context, server ports.LanguageServer) {
	lang := server.LanguageID()
	c.servers[lang] = append(c.servers[lang], server)
	c.logger.InfoContext(ctx, "language server attached", "language_id", lang, "plugin_id", server.PluginID())

	go func() {
		<-server.Done()
		_ = c.loop.Post(lspExitedEvent{server: server})
	}()
}

// detachServer forgets a server whose process has gone away.
func (c *Catalog) detachServer(ctx context.Context, server ports.LanguageServer) {
	lang := server.LanguageID()
	i := slices.Index(c.servers[lang], server)
	if i < 0 {
		return
	}
	list := slices.Delete(c.servers[lang], i, i+1)
	if len(list) == 0 {
		delete(c.servers, lang)
	} else {
		c.servers[lang] = list
	}
	c.logger.InfoContext(ctx, "language server detached", "language_id", lang, "plugin_id", server.PluginID())
}

func (c *Catalog) stopLanguage(ctx context.Context, languageID string) {
	servers := c.servers[languageID]
	delete(c.servers, languageID)
	for _, server := range servers {
		go func() {
			if err := server.Shutdown(context.WithoutCancel(ctx)); err != nil {
				c.logger.WarnContext(ctx, "language server shutdown failed", "language_id", languageID, "error", err)
			}
		}()
	}
}

// targets returns the servers for languageID, or every server when
// languageID is empty.
func (c *Catalog) targets(languageID string) []ports.LanguageServer {
	if languageID != "" {
		return c.servers[languageID]
	}
	var all []ports.LanguageServer
	for _, lang := range slices.Sorted(maps.Keys(c.servers)) {
		all = append(all, c.servers[lang]...)
	}
	return all
}

func (c *Catalog) serverRequest(ctx context.Context, req broker.ServerRequest) {
	reply := req.Reply
	if reply == nil {
		reply = func(entities.Response) {}
	}
	servers := c.servers[req.LanguageID]
	if len(servers) == 0 {
		err := fmt.Errorf("%s: %w", req.LanguageID, errors.ErrNoLanguageServer)
		c.logger.DebugContext(ctx, "server request without server", "method", req.Method, "error", err)
		reply(entities.Response{Error: errors.ToRPCError(err)})
		return
	}
	servers[0].Request(req.Method, req.Params, reply)
}

func (c *Catalog) serverNotification(ctx context.Context, n broker.ServerNotification) {
	for _, server := range c.targets(n.LanguageID) {
		if err := server.Notify(n.Method, n.Params); err != nil {
			c.logger.DebugContext(ctx, "server notification failed", "language_id", server.LanguageID(), "method", n.Method, "error", err)
		}
	}
}

func (c *Catalog) didChangeTextDocument(ctx context.Context, change broker.DidChangeTextDocument) {
	params := didChangeParams{TextDocument: change.Document, ContentChanges: change.Changes}
	for _, server := range c.targets(change.LanguageID) {
		if err := server.Notify("textDocument/didChange", params); err != nil {
			c.logger.DebugContext(ctx, "didChange failed", "language_id", server.LanguageID(), "error", err)
		}
	}
}
