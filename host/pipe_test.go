package host

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmproxy/wasmproxy/domain/entities"
)

func TestPipe_ReadEmptyIsEOF(t *testing.T) {
	p := NewPipe()
	n, err := p.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPipe_WriteMessage(t *testing.T) {
	p := NewPipe()
	require.NoError(t, p.WriteMessage(entities.PluginInfo{OS: "linux", Arch: "x86_64", Configuration: map[string]any{"a": 1}}))

	data, err := io.ReadAll(p)
	require.NoError(t, err)
	assert.Equal(t, "{\"configuration\":{\"a\":1},\"os\":\"linux\",\"arch\":\"x86_64\"}\r\n", string(data))
	assert.Zero(t, p.Len())
}

func TestPipe_Drain(t *testing.T) {
	p := NewPipe()
	_, _ = p.Write([]byte("one"))
	_, _ = p.Write([]byte("two"))

	assert.Equal(t, "onetwo", string(p.Drain()))
	assert.Empty(t, p.Drain())
}
