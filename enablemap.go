package pluginsup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// enableMapDoc is the on-disk shape of the enable map (spec §3): a missing
// key means enabled.
type enableMapDoc struct {
	Plugins map[string]bool `json:"plugins"`
}

// EnableMap is the disk-backed store of per-plugin enabled/disabled state.
// Reads are served from an in-memory copy; every transition rewrites the
// file atomically (write to a temp file, rename over the original).
type EnableMap struct {
	mu   sync.Mutex
	path string
	doc  enableMapDoc
}

// LoadEnableMap reads path if it exists, or starts from an empty map
// (everything enabled by default) if it does not.
func LoadEnableMap(path string) (*EnableMap, error) {
	em := &EnableMap{path: path, doc: enableMapDoc{Plugins: make(map[string]bool)}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return em, nil
		}
		return nil, newError(ErrDiscovery, "", "failed to read enable map", err)
	}
	if err := json.Unmarshal(data, &em.doc); err != nil {
		return nil, newError(ErrDiscovery, "", "malformed enable map JSON", err)
	}
	if em.doc.Plugins == nil {
		em.doc.Plugins = make(map[string]bool)
	}
	return em, nil
}

// IsEnabled reports whether id is enabled. A plugin id with no entry is
// enabled by default (spec §3).
func (em *EnableMap) IsEnabled(id string) bool {
	em.mu.Lock()
	defer em.mu.Unlock()
	enabled, ok := em.doc.Plugins[id]
	if !ok {
		return true
	}
	return enabled
}

// Set records id's enabled state and persists the map atomically.
func (em *EnableMap) Set(id string, enabled bool) error {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.doc.Plugins[id] = enabled
	return em.writeLocked()
}

func (em *EnableMap) writeLocked() error {
	data, err := json.MarshalIndent(em.doc, "", "  ")
	if err != nil {
		return newError(ErrDiscovery, "", "failed to encode enable map", err)
	}

	dir := filepath.Dir(em.path)
	tmp, err := os.CreateTemp(dir, ".enablemap-*.tmp")
	if err != nil {
		return newError(ErrDiscovery, "", "failed to create temp enable map file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return newError(ErrDiscovery, "", "failed to write temp enable map file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return newError(ErrDiscovery, "", "failed to close temp enable map file", err)
	}
	if err := os.Rename(tmpName, em.path); err != nil {
		os.Remove(tmpName)
		return newError(ErrDiscovery, "", "failed to install enable map", err)
	}
	return nil
}
