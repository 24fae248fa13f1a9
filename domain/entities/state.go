package entities

// SandboxState is the lifecycle state of one sandbox instance.
//
//	Loaded -> Initializing -> Running -> Stopping -> Stopped
//
// Stopped is terminal. A trap during initialize moves straight to Stopped.
type SandboxState int32

const (
	StateLoaded SandboxState = iota
	StateInitializing
	StateRunning
	StateStopping
	StateStopped
)

func (s SandboxState) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PluginStatus is a snapshot of a known plugin for listing.
type PluginStatus struct {
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	State    string   `json:"state"`
	ID       PluginID `json:"id,omitempty"`
	Disabled bool     `json:"disabled"`
}
