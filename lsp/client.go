package lsp

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/host/broker"
)

var _ ports.LanguageServer = (*Client)(nil)

// Client speaks LSP to one server over a Transport. Outbound messages go
// through a Broker so responses are matched to continuations by id.
type Client struct {
	life       context.Context
	closer     io.Closer
	transport  *Transport
	broker     *broker.Broker
	logger     *slog.Logger
	cancel     context.CancelFunc
	writerDone chan struct{}
	readerDone chan struct{}
	spec       ports.LanguageServerSpec
	config     clientConfig
	closing    atomic.Bool
}

// NewClient returns a client reading server output from r and writing to w.
// closer is closed on Shutdown; it releases the server.
func NewClient(spec ports.LanguageServerSpec, r io.Reader, w io.Writer, closer io.Closer, opts ...Option) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		closer:     closer,
		transport:  NewTransport(r, w),
		broker:     broker.New(),
		logger:     cfg.logger.With("language_id", spec.LanguageID, "plugin_id", spec.PluginID),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
		spec:       spec,
		config:     cfg,
	}
}

// Start runs the read and write loops until the server closes its output
// or ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.life, c.cancel = context.WithCancel(ctx)
	go c.writeLoop()
	go c.readLoop()
}

// LanguageID implements ports.LanguageServer.
func (c *Client) LanguageID() string {
	return c.spec.LanguageID
}

// PluginID implements ports.LanguageServer.
func (c *Client) PluginID() entities.PluginID {
	return c.spec.PluginID
}

// Done implements ports.LanguageServer. It is closed once the server's
// output has ended.
func (c *Client) Done() <-chan struct{} {
	return c.readerDone
}

// Request implements ports.LanguageServer. If the request cannot be queued
// cont receives the failure immediately.
func (c *Client) Request(method string, params any, cont entities.Continuation) {
	if _, err := c.broker.Request(method, params, cont); err != nil {
		cont(entities.Response{Error: errors.ToRPCError(err)})
	}
}

// Notify implements ports.LanguageServer.
func (c *Client) Notify(method string, params any) error {
	return c.broker.Notify(method, params)
}

type clientInfo struct {
	Name string `json:"name"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type syncCapabilities struct {
	DidSave bool `json:"didSave"`
}

type textDocumentCapabilities struct {
	Synchronization syncCapabilities `json:"synchronization"`
}

type clientCapabilities struct {
	TextDocument textDocumentCapabilities `json:"textDocument"`
}

type initializeParams struct {
	RootURI               *string            `json:"rootUri"`
	ClientInfo            clientInfo         `json:"clientInfo"`
	InitializationOptions json.RawMessage    `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []workspaceFolder  `json:"workspaceFolders,omitempty"`
	Capabilities          clientCapabilities `json:"capabilities"`
	ProcessID             int                `json:"processId"`
}

// Initialize performs the initialize / initialized handshake.
func (c *Client) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProcessID:             os.Getpid(),
		ClientInfo:            clientInfo{Name: "wasmproxy"},
		InitializationOptions: c.spec.Options,
		Capabilities: clientCapabilities{
			TextDocument: textDocumentCapabilities{Synchronization: syncCapabilities{DidSave: true}},
		},
	}
	if c.spec.Workspace != "" {
		uri := FileURI(c.spec.Workspace)
		params.RootURI = &uri
		params.WorkspaceFolders = []workspaceFolder{{URI: uri, Name: filepath.Base(c.spec.Workspace)}}
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.initializeTimeout)
	defer cancel()
	if c.life != nil {
		stop := context.AfterFunc(c.life, cancel)
		defer stop()
	}

	var result json.RawMessage
	if err := c.broker.Call(ctx, "initialize", params, &result); err != nil {
		return fmt.Errorf("initialize %s language server: %w", c.spec.LanguageID, err)
	}
	return c.broker.Notify("initialized", struct{}{})
}

// Shutdown implements ports.LanguageServer: shutdown request, exit
// notification, then the closer releases the process.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.shutdownTimeout)
	defer cancel()
	if c.life != nil {
		stop := context.AfterFunc(c.life, cancel)
		defer stop()
	}

	err := c.broker.Call(ctx, "shutdown", nil, nil)
	if err == nil {
		_ = c.broker.Notify("exit", nil)
	} else {
		err = fmt.Errorf("shutdown %s language server: %w", c.spec.LanguageID, err)
	}
	c.broker.Close()

	if c.life != nil {
		select {
		case <-c.writerDone:
		case <-ctx.Done():
		}
	}
	if closeErr := c.closer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

func (c *Client) writeLoop() {
	defer close(c.writerDone)
	for {
		msg, err := c.broker.Next(c.life)
		if err != nil {
			return
		}
		out := requestMessage{ID: msg.ID, JSONRPC: jsonrpcVersion, Method: msg.Method, Params: msg.Params}
		if err := c.transport.WriteMessage(out); err != nil {
			c.logger.Warn("write to language server failed", "method", msg.Method, "error", err)
			if msg.ID != nil {
				c.broker.Fail(*msg.ID, err)
			}
		}
	}
}

// readLoop dispatches server output until it ends. Requests still waiting
// then fail with ErrNoLanguageServer and later ones are refused.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	defer c.cancel()
	defer c.broker.Abort(fmt.Errorf("%s language server exited: %w", c.spec.LanguageID, errors.ErrNoLanguageServer))
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			if !stdErrors.Is(err, io.EOF) && !stdErrors.Is(err, io.ErrClosedPipe) && !c.closing.Load() {
				c.logger.Warn("language server output ended", "error", err)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg incomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("dropping malformed language server message", "error", err)
		return
	}

	switch {
	case msg.isResponse():
		var id entities.RequestID
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			c.logger.Debug("dropping response with foreign id", "id", string(msg.ID))
			return
		}
		c.broker.HandleResponse(id, entities.Response{Result: msg.Result, Error: msg.Error})
	case msg.isRequest():
		c.answer(msg)
	case msg.Method != "":
		c.config.onNotification(c.spec.LanguageID, msg.Method, msg.Params)
	}
}

func (c *Client) answer(msg incomingMessage) {
	resp := responseMessage{JSONRPC: jsonrpcVersion, ID: msg.ID}
	result, err := c.config.onRequest(c.life, msg.Method, msg.Params)
	switch {
	case err != nil:
		resp.Error = errors.ToRPCError(err)
	case result == nil:
		resp.Result = json.RawMessage("null")
	default:
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = errors.ToRPCError(err)
			break
		}
		resp.Result = raw
	}
	if err := c.transport.WriteMessage(resp); err != nil {
		c.logger.Warn("reply to language server failed", "method", msg.Method, "error", err)
	}
}

// FileURI converts a filesystem path to a file:// URI.
func FileURI(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
