package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmproxy/wasmproxy/domain/entities"
)

func TestYamlDescriptorCodec_Parse(t *testing.T) {
	data := `
name: rust-analyzer
version: 0.3.1
repository: acme/acme-rust
wasm: acme-rust.wasm
themes:
  - themes/dark.toml
configuration:
  language_id: rust
  options:
    lens: true
    nested:
      1: one
`
	desc, err := NewYamlDescriptorCodec().Parse([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "rust-analyzer", desc.Name)
	assert.Equal(t, "0.3.1", desc.Version)
	assert.Equal(t, "acme/acme-rust", desc.Repository)
	assert.Equal(t, "acme-rust.wasm", desc.Wasm)
	assert.Equal(t, []string{"themes/dark.toml"}, desc.Themes)
	assert.Empty(t, desc.Dir)

	cfg, ok := desc.Configuration.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rust", cfg["language_id"])
	nested := cfg["options"].(map[string]any)["nested"]
	assert.Equal(t, map[string]any{"1": "one"}, nested)
}

func TestYamlDescriptorCodec_ParseInvalid(t *testing.T) {
	_, err := NewYamlDescriptorCodec().Parse([]byte("name: [unterminated"))
	assert.Error(t, err)
}

func TestYamlDescriptorCodec_MarshalOmitsDir(t *testing.T) {
	codec := NewYamlDescriptorCodec()
	desc := &entities.PluginDescriptor{
		Name:       "go",
		Version:    "1.0.0",
		Repository: "example/go-plugin",
		Wasm:       "go.wasm",
		Dir:        "/should/not/persist",
	}
	data, err := codec.Marshal(desc)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "/should/not/persist")

	back, err := codec.Parse(data)
	require.NoError(t, err)
	desc.Dir = ""
	assert.Equal(t, desc, back)
}
