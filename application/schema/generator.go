// Package schema generates JSON schemas for the plugin descriptor format.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/wasmproxy/wasmproxy/domain/entities"
)

// namePattern mirrors the plugin_name validation: one path component.
const namePattern = `^[^/\\]+$`

// GenerateSchema creates a JSON schema from a Go struct.
// It uses the `invopop/jsonschema` library to reflect on the struct
// and generate a standard JSON Schema (Draft 2020-12).
func GenerateSchema(v any) ([]byte, error) {
	return marshal(reflect(v))
}

// DescriptorSchema returns the schema of plugin.yaml.
func DescriptorSchema() ([]byte, error) {
	s := reflect(&entities.PluginDescriptor{})
	s.Title = "wasmproxy plugin descriptor"
	s.Description = "Describes one installed plugin: its name, version, registry repository, wasm artifact and themes."
	if name, ok := s.Properties.Get("name"); ok {
		name.Pattern = namePattern
		name.Not = &jsonschema.Schema{Enum: []any{".", ".."}}
	}
	return marshal(s)
}

func reflect(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true, // Expand struct definitions inline
	}
	return reflector.Reflect(v)
}

func marshal(s *jsonschema.Schema) ([]byte, error) {
	jsonBytes, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return jsonBytes, nil
}
