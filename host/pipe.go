package host

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// lineEnding terminates every message on a sandbox pipe.
const lineEnding = "\r\n"

// Pipe is an in-memory byte pipe between the host and one sandbox. One side
// writes whole messages; the other reads or drains them. Reading an empty
// pipe returns io.EOF instead of blocking, since the guest runs synchronously
// on the worker goroutine and nothing could refill the pipe while it waits.
type Pipe struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

// NewPipe returns an empty pipe.
func NewPipe() *Pipe {
	return &Pipe{}
}

// Write implements io.Writer.
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

// Read implements io.Reader.
func (p *Pipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() == 0 {
		if len(b) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

// Drain returns and clears everything written so far.
func (p *Pipe) Drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	data := bytes.Clone(p.buf.Bytes())
	p.buf.Reset()
	return data
}

// Len returns the number of unread bytes.
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// WriteMessage writes v as one JSON line.
func (p *Pipe) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode pipe message: %w", err)
	}
	data = append(data, lineEnding...)

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.buf.Write(data)
	return err
}
