// Package parser implements the on-disk descriptor format.
package parser

import (
	"fmt"

	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/ports"
	"gopkg.in/yaml.v3"
)

// YamlDescriptorCodec implements DescriptorCodec for YAML.
type YamlDescriptorCodec struct{}

// NewYamlDescriptorCodec creates a new YamlDescriptorCodec.
func NewYamlDescriptorCodec() ports.DescriptorCodec {
	return &YamlDescriptorCodec{}
}

// Parse unmarshals YAML bytes into a PluginDescriptor struct.
func (p *YamlDescriptorCodec) Parse(data []byte) (*entities.PluginDescriptor, error) {
	var desc entities.PluginDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, err
	}
	desc.Configuration = normalize(desc.Configuration)
	return &desc, nil
}

// Marshal encodes desc as YAML. Dir is never written.
func (p *YamlDescriptorCodec) Marshal(desc *entities.PluginDescriptor) ([]byte, error) {
	data, err := yaml.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal descriptor %s: %w", desc.Name, err)
	}
	return data, nil
}

// normalize converts YAML-decoded values into the shapes encoding/json produces,
// so opaque configuration serializes the same way on the guest pipe.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case []any:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	default:
		return v
	}
}
