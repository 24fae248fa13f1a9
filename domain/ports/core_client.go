package ports

import "github.com/wasmproxy/wasmproxy/domain/entities"

// CoreClient sends messages to the editor core.
type CoreClient interface {
	// Notify sends a fire-and-forget notification to the core.
	Notify(method string, params any) error

	// Request sends a request to the core; cont runs once with the response.
	Request(method string, params any, cont entities.Continuation)
}
