package lsp

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmproxy/wasmproxy/domain/entities"
)

func TestTransport_WriteThenRead(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTransport(&buf, &buf)

	id := entities.RequestID(7)
	require.NoError(t, tr.WriteMessage(requestMessage{ID: &id, JSONRPC: jsonrpcVersion, Method: "initialize"}))
	assert.True(t, strings.HasPrefix(buf.String(), "Content-Length: "))

	body, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":7,"method":"initialize"}`, string(body))

	_, err = tr.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTransport_ReadMessageHeaders(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "content length only",
			input: "Content-Length: 2\r\n\r\n{}",
			want:  "{}",
		},
		{
			name:  "content type ignored",
			input: "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: 2\r\n\r\n[]",
			want:  "[]",
		},
		{
			name:  "header name case insensitive",
			input: "content-length: 4\r\n\r\nnull",
			want:  "null",
		},
		{name: "missing length", input: "Content-Type: x\r\n\r\n{}", wantErr: true},
		{name: "bad length", input: "Content-Length: abc\r\n\r\n{}", wantErr: true},
		{name: "short body", input: "Content-Length: 10\r\n\r\n{}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(strings.NewReader(tt.input), io.Discard)
			body, err := tr.ReadMessage()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

func TestIncomingMessage_Kind(t *testing.T) {
	resp := incomingMessage{ID: []byte("1")}
	assert.True(t, resp.isResponse())
	assert.False(t, resp.isRequest())

	req := incomingMessage{ID: []byte(`"abc"`), Method: "workspace/configuration"}
	assert.True(t, req.isRequest())
	assert.False(t, req.isResponse())

	note := incomingMessage{Method: "window/logMessage"}
	assert.False(t, note.isRequest())
	assert.False(t, note.isResponse())
}
