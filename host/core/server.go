// Package core connects the host to the editor core over line-delimited
// JSON: one message per line, requests and responses correlated by id.
package core

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/wasmproxy/wasmproxy/application/validation"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"github.com/wasmproxy/wasmproxy/host/broker"
)

// DefaultMaxLineSize bounds one inbound message.
const DefaultMaxLineSize = 16 << 20

// API is what the editor core can ask of the host.
type API interface {
	Submit(cmd broker.Command) error
	Install(ctx context.Context, desc *entities.PluginDescriptor) error
	Remove(ctx context.Context, name string) error
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
	List(ctx context.Context) ([]entities.PluginStatus, error)
	Shutdown(ctx context.Context) error
}

// Option configures a Server.
type Option func(*serverConfig)

type serverConfig struct {
	logger      *slog.Logger
	maxLineSize int
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *serverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxLineSize bounds one inbound message.
func WithMaxLineSize(n int) Option {
	return func(c *serverConfig) {
		if n > 0 {
			c.maxLineSize = n
		}
	}
}

var _ ports.CoreClient = (*Server)(nil)

// Server is the host end of the editor core connection. Messages to the
// core are queued on a Broker and written by Serve.
type Server struct {
	reader io.Reader
	writer io.Writer
	broker *broker.Broker
	logger *slog.Logger
	wg     sync.WaitGroup
	mu     sync.Mutex
	config serverConfig
}

// NewServer returns a server reading from r and writing to w.
func NewServer(r io.Reader, w io.Writer, opts ...Option) *Server {
	cfg := serverConfig{logger: slog.Default(), maxLineSize: DefaultMaxLineSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		reader: r,
		writer: w,
		broker: broker.New(),
		logger: cfg.logger,
		config: cfg,
	}
}

// Notify implements ports.CoreClient.
func (s *Server) Notify(method string, params any) error {
	return s.broker.Notify(method, params)
}

// Request implements ports.CoreClient.
func (s *Server) Request(method string, params any, cont entities.Continuation) {
	if _, err := s.broker.Request(method, params, cont); err != nil {
		cont(entities.Response{Error: errors.ToRPCError(err)})
	}
}

// Serve reads messages and dispatches them to api until the input ends,
// ctx is done or the core asks for shutdown. In-flight API calls are
// waited for before Serve returns.
func (s *Server) Serve(ctx context.Context, api API) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx)
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, lines)
	}()

	var err error
loop:
	for {
		select {
		case line := <-lines:
			if s.dispatch(ctx, api, line) {
				break loop
			}
		case err = <-readErr:
			break loop
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}
	}

	s.wg.Wait()
	s.broker.Close()
	<-writerDone
	return err
}

func (s *Server) readLoop(ctx context.Context, lines chan<- []byte) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.config.maxLineSize)), s.config.maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		select {
		case lines <- append([]byte(nil), line...):
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read from core: %w", err)
	}
	return nil
}

func (s *Server) writeLoop(ctx context.Context) {
	for {
		out, err := s.broker.Next(context.WithoutCancel(ctx))
		if err != nil {
			return
		}
		if err := s.write(message{ID: idJSON(out.ID), Method: out.Method, Params: out.Params}); err != nil {
			s.logger.WarnContext(ctx, "write to core failed", "method", out.Method, "error", err)
			if out.ID != nil {
				s.broker.Fail(*out.ID, err)
			}
		}
	}
}

func (s *Server) write(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(data)
	return err
}

// dispatch handles one inbound line and reports whether Serve should stop.
func (s *Server) dispatch(ctx context.Context, api API, line []byte) bool {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		s.logger.WarnContext(ctx, "malformed message from core", "error", err)
		s.replyError(json.RawMessage("null"), entities.NewRPCError(entities.CodeParseError, "%v", err))
		return false
	}

	if msg.isResponse() {
		var id entities.RequestID
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			s.logger.DebugContext(ctx, "response with foreign id", "id", string(msg.ID))
			return false
		}
		s.broker.HandleResponse(id, entities.Response{Result: msg.Result, Error: msg.Error})
		return false
	}

	switch msg.Method {
	case MethodServerRequest:
		var p serverRequestParams
		if !s.decode(msg, &p) {
			return false
		}
		id := msg.ID
		s.submit(api, msg, broker.ServerRequest{
			LanguageID: p.LanguageID,
			Method:     p.Method,
			Params:     p.Params,
			Reply:      func(resp entities.Response) { s.reply(id, resp) },
		})
	case MethodServerNotification:
		var p serverNotificationParams
		if s.decode(msg, &p) {
			s.submit(api, msg, broker.ServerNotification{LanguageID: p.LanguageID, Method: p.Method, Params: p.Params})
		}
	case MethodDidChangeTextDocument:
		var p didChangeParams
		if s.decode(msg, &p) {
			s.submit(api, msg, broker.DidChangeTextDocument{LanguageID: p.LanguageID, Document: p.Document, Changes: p.Changes})
		}
	case MethodInstallPlugin:
		var desc entities.PluginDescriptor
		if s.decode(msg, &desc) {
			s.async(ctx, msg, func(ctx context.Context) (any, error) { return nil, api.Install(ctx, &desc) })
		}
	case MethodRemovePlugin, MethodEnablePlugin, MethodDisablePlugin:
		var p nameParams
		if !s.decode(msg, &p) {
			return false
		}
		op := map[string]func(context.Context, string) error{
			MethodRemovePlugin:  api.Remove,
			MethodEnablePlugin:  api.Enable,
			MethodDisablePlugin: api.Disable,
		}[msg.Method]
		s.async(ctx, msg, func(ctx context.Context) (any, error) { return nil, op(ctx, p.Name) })
	case MethodListPlugins:
		s.async(ctx, msg, func(ctx context.Context) (any, error) { return api.List(ctx) })
	case MethodShutdown:
		err := api.Shutdown(ctx)
		s.respond(msg.ID, nil, err)
		return true
	default:
		s.logger.WarnContext(ctx, "unknown method from core", "method", msg.Method)
		s.replyError(msg.ID, entities.NewRPCError(entities.CodeMethodNotFound, "unknown method %q", msg.Method))
	}
	return false
}

// decode unmarshals and validates msg's params, answering the core on
// failure.
func (s *Server) decode(msg message, v any) bool {
	if err := json.Unmarshal(msg.Params, v); err != nil {
		s.replyError(msg.ID, entities.NewRPCError(entities.CodeInvalidRequest, "%s: %v", msg.Method, err))
		return false
	}
	if err := validation.Struct(v); err != nil {
		s.replyError(msg.ID, entities.NewRPCError(entities.CodeInvalidRequest, "%s: %v", msg.Method, err))
		return false
	}
	return true
}

func (s *Server) submit(api API, msg message, cmd broker.Command) {
	if err := api.Submit(cmd); err != nil {
		s.respond(msg.ID, nil, err)
	}
}

// async runs fn off the read loop and answers msg with its outcome.
func (s *Server) async(ctx context.Context, msg message, fn func(ctx context.Context) (any, error)) {
	s.wg.Go(func() {
		result, err := fn(ctx)
		s.respond(msg.ID, result, err)
	})
}

func (s *Server) respond(id json.RawMessage, result any, err error) {
	if err != nil {
		rpcErr := errors.ToRPCError(err)
		if detail := errors.ToErrorDetail(err); detail != nil && rpcErr.Data == nil {
			rpcErr.Data, _ = json.Marshal(detail)
		}
		s.replyError(id, rpcErr)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.replyError(id, entities.NewRPCError(entities.CodeInternalError, "encode result: %v", err))
		return
	}
	s.reply(id, entities.Response{Result: raw})
}

func (s *Server) reply(id json.RawMessage, resp entities.Response) {
	if len(id) == 0 {
		return
	}
	result := resp.Result
	if resp.Error == nil && len(result) == 0 {
		result = json.RawMessage("null")
	}
	if err := s.write(message{ID: id, Result: result, Error: resp.Error}); err != nil {
		s.logger.Warn("reply to core failed", "error", err)
	}
}

// replyError answers a request with rpcErr. Notifications get no answer;
// the error is logged instead.
func (s *Server) replyError(id json.RawMessage, rpcErr *entities.RPCError) {
	if len(id) == 0 {
		s.logger.Warn("core notification rejected", "error", rpcErr)
		return
	}
	if err := s.write(message{ID: id, Error: rpcErr}); err != nil {
		s.logger.Warn("reply to core failed", "error", err)
	}
}

func idJSON(id *entities.RequestID) json.RawMessage {
	if id == nil {
		return nil
	}
	raw, _ := json.Marshal(*id)
	return raw
}
