package pluginsup

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxMetadataFieldLen = 100
)

// PluginMetadata is what a plugin declares about itself, obtained by
// invoking its binary with --metadata (spec §4.2, §6).
type PluginMetadata struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Author  string `json:"author,omitempty"`
	Icon    string `json:"icon,omitempty"`
	Route   string `json:"route"`
}

// Validate checks the field-level constraints from spec §3: id charset,
// bounded name/author/version length, and a route that begins with "/" and
// never contains "..". It does not check cross-plugin invariants (unique id,
// unique route) — those belong to the discovery scan that sees every
// candidate at once.
func (m *PluginMetadata) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("metadata: id must not be empty")
	}
	for _, r := range m.ID {
		if !isAlphanumericOrHyphen(r) {
			return fmt.Errorf("metadata: id %q contains disallowed character %q", m.ID, r)
		}
	}
	if len(m.Name) > maxMetadataFieldLen {
		return fmt.Errorf("metadata: name exceeds %d characters", maxMetadataFieldLen)
	}
	if len(m.Version) > maxMetadataFieldLen {
		return fmt.Errorf("metadata: version exceeds %d characters", maxMetadataFieldLen)
	}
	if len(m.Author) > maxMetadataFieldLen {
		return fmt.Errorf("metadata: author exceeds %d characters", maxMetadataFieldLen)
	}
	if !strings.HasPrefix(m.Route, "/") {
		return fmt.Errorf("metadata: route %q must begin with '/'", m.Route)
	}
	if strings.Contains(m.Route, "..") {
		return fmt.Errorf("metadata: route %q must not contain '..'", m.Route)
	}
	return nil
}

func isAlphanumericOrHyphen(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '-':
		return true
	default:
		return false
	}
}

// parsePluginMetadata decodes a single metadata probe's stdout (spec §4.2
// step 3) and runs field-level validation (step 4).
func parsePluginMetadata(stdout []byte) (*PluginMetadata, error) {
	var m PluginMetadata
	if err := json.Unmarshal(stdout, &m); err != nil {
		return nil, fmt.Errorf("metadata: invalid JSON: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
