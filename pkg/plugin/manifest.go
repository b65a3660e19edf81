package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the file name discovery looks for in plugin directories.
const ManifestFile = "plugin.yaml"

// Manifest describes a plugin shipped as a Go plugin binary.
//
//	id: snippets
//	name: Snippets
//	version: 1.2.0
//	authors: [OpenLaunch]
//	license: MIT
//	library: snippets.so
//	executables: [xdotool]
type Manifest struct {
	Metadata `yaml:",inline"`
	// Library is the .so path, relative to the manifest directory.
	Library string `yaml:"library"`
	// Dir is the directory the manifest was read from.
	Dir string `yaml:"-"`
}

// LoadManifest reads a YAML manifest.
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	if path == "" {
		return m, errors.New("manifest path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read plugin manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("unmarshal plugin manifest %s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("invalid plugin manifest %s: %w", path, err)
	}
	return m, nil
}

// Validate ensures the manifest can be turned into a provider.
func (m Manifest) Validate() error {
	if m.ID == "" {
		return errors.New("plugin id cannot be empty")
	}
	if m.Library == "" {
		return fmt.Errorf("plugin %s library cannot be empty", m.ID)
	}
	return nil
}

// LibraryPath resolves Library against the manifest directory.
func (m Manifest) LibraryPath() string {
	if filepath.IsAbs(m.Library) || m.Dir == "" {
		return m.Library
	}
	return filepath.Join(m.Dir, m.Library)
}

// Provider returns a lazy provider for the manifest.
func (m Manifest) Provider(loader Loader) *LazyProvider {
	return NewLazyProvider(m.Metadata, m.LibraryPath(), loader)
}
