package wazero

import (
	"context"

	"github.com/wasmproxy/wasmproxy/domain/entities"
)

type contextKey struct {
	name string
}

var pluginKey = &contextKey{name: "plugin"}

type pluginRef struct {
	name string
	id   entities.PluginID
}

// WithPlugin adds the calling sandbox's identity to the context.
func WithPlugin(ctx context.Context, id entities.PluginID, name string) context.Context {
	return context.WithValue(ctx, pluginKey, pluginRef{id: id, name: name})
}

// PluginFromContext retrieves the calling sandbox's identity from the context.
func PluginFromContext(ctx context.Context) (entities.PluginID, string, bool) {
	ref, ok := ctx.Value(pluginKey).(pluginRef)
	return ref.id, ref.name, ok
}
