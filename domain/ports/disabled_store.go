package ports

// DisabledStore provides persistence for the set of disabled plugin names.
type DisabledStore interface {
	// Load retrieves the disabled plugin names.
	// Returns an empty list (not error) if nothing has been persisted yet.
	Load() ([]string, error)

	// Save replaces the persisted list with names.
	Save(names []string) error

	// ConfigPath returns the path to the backing store (for user messaging).
	ConfigPath() string
}
