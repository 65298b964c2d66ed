package pluginsup

import (
	"strings"
	"sync"
)

// RouteTable is the derived index route -> plugin id (spec §4.5), rebuilt
// whenever discovery adds or updates a plugin's metadata.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]string
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]string)}
}

// Set binds route to pluginID, overwriting any previous owner. Discovery is
// responsible for rejecting duplicate routes before calling this (spec §3
// invariant: exactly one plugin may own a route at a time).
func (t *RouteTable) Set(route, pluginID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[route] = pluginID
}

// Lookup returns the plugin id owning route, if any.
func (t *RouteTable) Lookup(route string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.routes[route]
	return id, ok
}

// splitRoutePath splits an inbound path of the form
// "/<route-segment>[/<remainder>]" into its segment and remainder (spec
// §4.5). The segment must not be empty, contain "..", or contain a "/".
// remainder is "" when there is nothing after the segment.
func splitRoutePath(path string) (segment, remainder string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return "", "", false
	}

	idx := strings.IndexByte(trimmed, '/')
	if idx == -1 {
		segment = trimmed
	} else {
		segment = trimmed[:idx]
		remainder = trimmed[idx+1:]
	}

	if segment == "" || segment == ".." || strings.Contains(segment, "..") {
		return "", "", false
	}
	return segment, remainder, true
}
