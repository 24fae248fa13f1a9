package lsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/wasmproxy/wasmproxy/domain/entities"
)

const (
	jsonrpcVersion = "2.0"
	readBufferSize = 64 * 1024
)

// Transport frames JSON-RPC 2.0 messages with Content-Length headers.
// Writes are serialized; reads must come from a single goroutine.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewTransport returns a transport reading from r and writing to w.
func NewTransport(r io.Reader, w io.Writer) *Transport {
	return &Transport{
		reader: bufio.NewReaderSize(r, readBufferSize),
		writer: w,
	}
}

// requestMessage is an outbound request or notification. ID is nil for
// notifications.
type requestMessage struct {
	ID      *entities.RequestID `json:"id,omitempty"`
	JSONRPC string              `json:"jsonrpc"`
	Method  string              `json:"method"`
	Params  json.RawMessage     `json:"params,omitempty"`
}

// responseMessage answers a request the server sent us.
type responseMessage struct {
	Error   *entities.RPCError `json:"error,omitempty"`
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id"`
	Result  json.RawMessage    `json:"result,omitempty"`
}

// incomingMessage is wide enough to hold any message the server sends.
type incomingMessage struct {
	Error  *entities.RPCError `json:"error"`
	Method string             `json:"method"`
	ID     json.RawMessage    `json:"id"`
	Params json.RawMessage    `json:"params"`
	Result json.RawMessage    `json:"result"`
}

func (m *incomingMessage) isResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

func (m *incomingMessage) isRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// WriteMessage encodes v and writes it with its header.
func (t *Transport) WriteMessage(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := fmt.Fprintf(t.writer, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message body. Headers other than
// Content-Length are ignored.
func (t *Transport) ReadMessage() ([]byte, error) {
	contentLength := -1
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "content-length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid Content-Length %q", value)
		}
		contentLength = n
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
