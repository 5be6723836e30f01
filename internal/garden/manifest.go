package garden

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ManifestFile holds per-garden settings at the garden root.
const ManifestFile = ".garden.toml"

// Manifest is the parsed contents of ManifestFile.
type Manifest struct {
	Name string `toml:"name"`

	// LiveSync offers the garden for live editing sessions.
	LiveSync bool `toml:"live_sync"`

	// Ignore lists glob patterns, matched against the full path and the
	// base name, that are neither watched nor snapshotted. Metadata is
	// never ignored.
	Ignore []string `toml:"ignore,omitempty"`
}

// LoadManifest reads the garden's manifest. A garden without one gets a
// default manifest named after it.
func LoadManifest(store Store, garden string) (Manifest, error) {
	m := Manifest{Name: garden}

	data, err := store.ReadFile(garden, ManifestFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, nil
		}
		return m, fmt.Errorf("failed to read manifest for %s: %w", garden, err)
	}
	if _, err := toml.Decode(string(data), &m); err != nil {
		return m, fmt.Errorf("failed to parse manifest for %s: %w", garden, err)
	}
	if m.Name == "" {
		m.Name = garden
	}
	return m, nil
}

// SaveManifest writes m to the garden root.
func SaveManifest(store Store, garden string, m Manifest) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return store.WriteFile(garden, ManifestFile, buf.Bytes(), 0o644, time.Time{})
}

// Ignored reports whether p is excluded by the manifest.
func (m Manifest) Ignored(p string) bool {
	if IsMetadata(p) {
		return false
	}
	base := path.Base(p)
	for _, pattern := range m.Ignore {
		if ok, _ := path.Match(pattern, p); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		// "dir/" ignores everything below dir
		if strings.HasSuffix(pattern, "/") && strings.HasPrefix(p, pattern) {
			return true
		}
	}
	return false
}

// IsMetadata reports whether p lies inside the version-control directory.
func IsMetadata(p string) bool {
	return p == MetadataDir || strings.HasPrefix(p, MetadataDir+"/")
}
