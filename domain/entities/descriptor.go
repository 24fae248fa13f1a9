package entities

import (
	"fmt"
	"sync/atomic"
)

// DescriptorFileName is the name of the descriptor file inside a plugin directory.
const DescriptorFileName = "plugin.yaml"

// PluginDescriptor is the declarative metadata of an installed plugin.
//
// Wasm and Themes are written relative to the plugin directory and rewritten to
// canonical absolute paths when the descriptor is loaded. Dir is never persisted.
type PluginDescriptor struct {
	Configuration any      `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	Name          string   `json:"name" yaml:"name" validate:"required,plugin_name"`
	Version       string   `json:"version" yaml:"version" validate:"required"`
	Repository    string   `json:"repository" yaml:"repository"`
	Wasm          string   `json:"wasm,omitempty" yaml:"wasm,omitempty"`
	Themes        []string `json:"themes,omitempty" yaml:"themes,omitempty"`
	Dir           string   `json:"-" yaml:"-"`
}

// Clone returns a copy that shares no slices with d.
func (d *PluginDescriptor) Clone() *PluginDescriptor {
	c := *d
	if d.Themes != nil {
		c.Themes = append([]string(nil), d.Themes...)
	}
	return &c
}

// PluginID identifies one sandbox instance for the lifetime of the process.
type PluginID uint64

func (id PluginID) String() string {
	return fmt.Sprintf("plugin-%d", uint64(id))
}

var pluginIDCounter atomic.Uint64

// NextPluginID returns a new process-wide unique PluginID. IDs are never reused.
func NextPluginID() PluginID {
	return PluginID(pluginIDCounter.Add(1))
}

// PluginInfo is the record written to a guest's input pipe before initialize.
type PluginInfo struct {
	Configuration any    `json:"configuration"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
}
