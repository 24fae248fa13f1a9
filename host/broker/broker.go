// Package broker correlates asynchronous requests with their responses and
// provides the serial command mainloop the catalog runs on.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
)

// Outgoing is one serialized message waiting for a transport. ID is nil for
// notifications.
type Outgoing struct {
	ID     *entities.RequestID `json:"id,omitempty"`
	Method string              `json:"method"`
	Params json.RawMessage     `json:"params,omitempty"`
}

// IsRequest reports whether a response is expected.
func (o Outgoing) IsRequest() bool {
	return o.ID != nil
}

// Broker allocates request ids, keeps the pending continuation table and
// queues outbound messages. It is safe for concurrent use.
type Broker struct {
	pending map[entities.RequestID]entities.Continuation
	out     *Queue[Outgoing]
	mu      sync.Mutex
	nextID  atomic.Uint64
}

// New returns a broker with an empty pending table.
func New() *Broker {
	return &Broker{
		pending: make(map[entities.RequestID]entities.Continuation),
		out:     NewQueue[Outgoing](),
	}
}

// Request sends method with params. cont runs exactly once when the matching
// response is handled; it never runs if no response ever arrives.
func (b *Broker) Request(method string, params any, cont entities.Continuation) (entities.RequestID, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return 0, fmt.Errorf("encode %s params: %w", method, err)
	}

	id := entities.RequestID(b.nextID.Add(1))

	b.mu.Lock()
	b.pending[id] = cont
	b.mu.Unlock()

	if err := b.out.Push(Outgoing{ID: &id, Method: method, Params: raw}); err != nil {
		b.mu.Lock()
		_, owned := b.pending[id]
		delete(b.pending, id)
		b.mu.Unlock()
		if !owned {
			// Abort already delivered the failure to cont.
			return id, nil
		}
		return 0, err
	}
	return id, nil
}

// Call is Request that waits for the response and decodes it into result.
// Cancelling ctx abandons the wait; a late response is then discarded.
func (b *Broker) Call(ctx context.Context, method string, params, result any) error {
	ch := make(chan entities.Response, 1)
	if _, err := b.Request(method, params, func(r entities.Response) { ch <- r }); err != nil {
		return err
	}
	select {
	case resp := <-ch:
		return resp.Decode(result)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify queues a fire-and-forget message.
func (b *Broker) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	return b.out.Push(Outgoing{Method: method, Params: raw})
}

// HandleResponse delivers resp to the continuation waiting on id. Unknown,
// stale or duplicate ids are ignored; the return value reports delivery.
func (b *Broker) HandleResponse(id entities.RequestID, resp entities.Response) bool {
	b.mu.Lock()
	cont, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	if cont != nil {
		cont(resp)
	}
	return true
}

// Fail delivers err as an RPC error to the continuation waiting on id.
func (b *Broker) Fail(id entities.RequestID, err error) bool {
	return b.HandleResponse(id, entities.Response{Error: errors.ToRPCError(err)})
}

// Pending returns the number of requests awaiting a response.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Next returns the next outbound message, waiting until one is queued.
func (b *Broker) Next(ctx context.Context) (Outgoing, error) {
	return b.out.Pop(ctx)
}

// Close stops accepting messages. Queued messages stay readable through Next;
// pending continuations are dropped without being run.
func (b *Broker) Close() {
	b.out.Close()
	b.mu.Lock()
	clear(b.pending)
	b.mu.Unlock()
}

// Abort closes the broker like Close but runs every pending continuation
// with err instead of dropping it. Used when the peer is gone for good.
func (b *Broker) Abort(err error) {
	b.out.Close()
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[entities.RequestID]entities.Continuation)
	b.mu.Unlock()

	rpcErr := errors.ToRPCError(err)
	for _, id := range slices.Sorted(maps.Keys(pending)) {
		if cont := pending[id]; cont != nil {
			cont(entities.Response{Error: rpcErr})
		}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
