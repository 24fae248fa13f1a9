package broker

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
)

// Command is one unit of work for the mainloop.
type Command interface {
	isCommand()
}

// ServerRequest asks the language server for LanguageID to answer a request.
type ServerRequest struct {
	Reply      entities.Continuation
	LanguageID string
	Method     string
	Params     json.RawMessage
}

// ServerNotification is forwarded to the language server for LanguageID,
// or to every attached server when LanguageID is empty.
type ServerNotification struct {
	LanguageID string
	Method     string
	Params     json.RawMessage
}

// DidChangeTextDocument carries precomputed edits to one open document.
type DidChangeTextDocument struct {
	LanguageID string
	Document   entities.VersionedTextDocumentIdentifier
	Changes    []entities.TextDocumentContentChangeEvent
}

// Event is a catalog-internal message; Payload is owned by the Handler.
type Event struct {
	Payload any
}

func (ServerRequest) isCommand()         {}
func (ServerNotification) isCommand()    {}
func (DidChangeTextDocument) isCommand() {}
func (Event) isCommand()                 {}

// Handler applies commands. Its methods are only called from Mainloop.Run,
// one at a time, so it needs no locking of its own state.
type Handler interface {
	HandleServerRequest(ctx context.Context, req ServerRequest)
	HandleServerNotification(ctx context.Context, n ServerNotification)
	HandleDidChangeTextDocument(ctx context.Context, change DidChangeTextDocument)
	HandleEvent(ctx context.Context, payload any)
}

// Mainloop serializes commands from any number of producers onto one consumer.
type Mainloop struct {
	queue  *Queue[Command]
	logger *slog.Logger
}

// NewMainloop returns a mainloop with an empty command queue.
func NewMainloop(logger *slog.Logger) *Mainloop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mainloop{queue: NewQueue[Command](), logger: logger}
}

// Submit queues cmd without blocking.
func (m *Mainloop) Submit(cmd Command) error {
	return m.queue.Push(cmd)
}

// Post queues a catalog-internal event.
func (m *Mainloop) Post(payload any) error {
	return m.queue.Push(Event{Payload: payload})
}

// Backlog returns the number of queued commands.
func (m *Mainloop) Backlog() int {
	return m.queue.Len()
}

// Close stops accepting commands; Run drains what is queued and returns nil.
func (m *Mainloop) Close() {
	m.queue.Close()
}

// Run applies queued commands to h until ctx is done or the mainloop is closed.
func (m *Mainloop) Run(ctx context.Context, h Handler) error {
	for {
		cmd, err := m.queue.Pop(ctx)
		if err != nil {
			if stdErrors.Is(err, errors.ErrBrokerClosed) {
				return nil
			}
			return err
		}

		switch c := cmd.(type) {
		case ServerRequest:
			h.HandleServerRequest(ctx, c)
		case ServerNotification:
			h.HandleServerNotification(ctx, c)
		case DidChangeTextDocument:
			h.HandleDidChangeTextDocument(ctx, c)
		case Event:
			h.HandleEvent(ctx, c.Payload)
		default:
			m.logger.WarnContext(ctx, "mainloop: unknown command", "type", fmt.Sprintf("%T", cmd))
		}
	}
}
