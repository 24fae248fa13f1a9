package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/ports"
)

// fakeRegistry serves files from memory, keyed by "repository/file".
type fakeRegistry struct {
	files map[string][]byte
}

func (r *fakeRegistry) Fetch(ctx context.Context, repository, file string, w io.Writer) error {
	return r.Download(ctx, repository+"/"+file, w)
}

func (r *fakeRegistry) Download(_ context.Context, url string, w io.Writer) error {
	data, ok := r.files[url]
	if !ok {
		return fmt.Errorf("GET %s: unexpected status 404", url)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

type sentMessage struct {
	method string
	params json.RawMessage
}

// fakeServer answers every request with "ok" and records traffic.
type fakeServer struct {
	spec     ports.LanguageServerSpec
	done     chan struct{}
	exitOnce sync.Once
	mu       sync.Mutex
	requests []sentMessage
	notes    []sentMessage
	shutdown atomic.Bool
}

func newFakeServer(spec ports.LanguageServerSpec) *fakeServer {
	return &fakeServer{spec: spec, done: make(chan struct{})}
}

func (f *fakeServer) LanguageID() string          { return f.spec.LanguageID }
func (f *fakeServer) PluginID() entities.PluginID { return f.spec.PluginID }

func (f *fakeServer) Request(method string, params any, cont entities.Continuation) {
	f.mu.Lock()
	f.requests = append(f.requests, sentMessage{method: method, params: marshal(params)})
	f.mu.Unlock()
	cont(entities.Response{Result: json.RawMessage(`"ok"`)})
}

func (f *fakeServer) Notify(method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, sentMessage{method: method, params: marshal(params)})
	return nil
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	f.exit()
	return nil
}

func (f *fakeServer) Done() <-chan struct{} { return f.done }

// exit simulates the server process going away.
func (f *fakeServer) exit() {
	f.exitOnce.Do(func() { close(f.done) })
}

func (f *fakeServer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeServer) notifications() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.notes...)
}

type fakeLauncher struct {
	mu      sync.Mutex
	servers []*fakeServer
}

func (l *fakeLauncher) Launch(_ context.Context, spec ports.LanguageServerSpec) (ports.LanguageServer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	server := newFakeServer(spec)
	l.servers = append(l.servers, server)
	return server, nil
}

func (l *fakeLauncher) launched() []*fakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeServer(nil), l.servers...)
}

// fakeCore records notifications sent to the editor core.
type fakeCore struct {
	mu    sync.Mutex
	notes []sentMessage
}

func (c *fakeCore) Notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, sentMessage{method: method, params: marshal(params)})
	return nil
}

func (c *fakeCore) Request(string, any, entities.Continuation) {}

func (c *fakeCore) notifications() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.notes...)
}

func marshal(v any) json.RawMessage {
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, _ := json.Marshal(v)
	return data
}
