package plugin

import "fmt"

// Metadata is the static description of a plugin, usually read from its
// manifest.
type Metadata struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string   `yaml:"version" json:"version"`
	Authors     []string `yaml:"authors,omitempty" json:"authors,omitempty"`
	License     string   `yaml:"license,omitempty" json:"license,omitempty"`
	// Executables must be resolvable on PATH before the plugin is created.
	Executables []string `yaml:"executables,omitempty" json:"executables,omitempty"`
	// Libraries are shared library file names searched in the library dirs.
	Libraries []string `yaml:"libraries,omitempty" json:"libraries,omitempty"`
	// Frontend marks a plugin that provides the user interface. Frontend
	// plugins are only torn down at process exit.
	Frontend bool `yaml:"frontend,omitempty" json:"frontend,omitempty"`
	// Dependencies lists plugin ids that must be loaded first.
	Dependencies []string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
}

// State represents the lifecycle position of a plugin.
type State string

const (
	StateNotLoaded State = "not_loaded"
	StateLoading   State = "loading"
	StateLoaded    State = "loaded"
	StateUnloading State = "unloading"
	StateFailed    State = "failed"
)

// Busy reports whether a load or unload is in flight.
func (s State) Busy() bool {
	return s == StateLoading || s == StateUnloading
}

// Info is a point-in-time view of a registered plugin.
type Info struct {
	Metadata
	State   State `json:"state"`
	Enabled bool  `json:"enabled"`
	// Error describes why the plugin is Failed, or the last teardown error.
	Error string `json:"error,omitempty"`
}

// Event is emitted for every state transition and enabled toggle.
type Event struct {
	ID      string
	From    State
	To      State
	Enabled bool
	Err     error
}

func (e Event) String() string {
	if e.From == e.To {
		return fmt.Sprintf("%s enabled=%t", e.ID, e.Enabled)
	}
	return fmt.Sprintf("%s %s -> %s", e.ID, e.From, e.To)
}
