package ports

import "github.com/wasmproxy/wasmproxy/domain/entities"

// DescriptorCodec converts between descriptor files and PluginDescriptor values.
type DescriptorCodec interface {
	// Parse unmarshals descriptor bytes into a PluginDescriptor.
	Parse(data []byte) (*entities.PluginDescriptor, error)

	// Marshal encodes a descriptor in the on-disk format.
	Marshal(desc *entities.PluginDescriptor) ([]byte, error)
}
