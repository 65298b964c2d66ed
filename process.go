package pluginsup

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// PluginProcess is a process-registry row (spec §3). It persists across
// enable→disable→enable cycles and is removed only on supervisor teardown.
type PluginProcess struct {
	ID         string
	Metadata   *PluginMetadata
	SocketPath string
	Enabled    bool
	BinaryPath string

	cmd *exec.Cmd
	pid int // 0 when not running
}

// PID returns the running process id, or 0 if the plugin has no live child.
func (p *PluginProcess) PID() int {
	return p.pid
}

// Running reports whether the registry believes this plugin has a live
// child handle. It does not itself probe the OS; see ProcessRegistry.Health.
func (p *PluginProcess) Running() bool {
	return p.cmd != nil
}

// ProcessRegistry is the in-memory table of plugin state (spec §4.4). All
// mutating operations are serialized behind a single mutex; no I/O is
// performed while the lock is held.
type ProcessRegistry struct {
	mu      sync.Mutex
	plugins map[string]*PluginProcess
}

// NewProcessRegistry returns an empty registry.
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{plugins: make(map[string]*PluginProcess)}
}

// Upsert inserts a new row or updates metadata on an existing one, returning
// the row. Used by discovery on first sight of a plugin id and on re-scan.
func (r *ProcessRegistry) Upsert(id string, metadata *PluginMetadata, binaryPath, socketPath string) *PluginProcess {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.plugins[id]; ok {
		existing.Metadata = metadata
		existing.BinaryPath = binaryPath
		existing.SocketPath = socketPath
		return existing
	}
	p := &PluginProcess{
		ID:         id,
		Metadata:   metadata,
		BinaryPath: binaryPath,
		SocketPath: socketPath,
		Enabled:    true,
	}
	r.plugins[id] = p
	return p
}

// Get returns the row for id, or (nil, false) if it has never been discovered.
func (r *ProcessRegistry) Get(id string) (*PluginProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[id]
	return p, ok
}

// All returns a snapshot slice of every known plugin row, in no particular
// order. Callers must not mutate the returned rows' cmd/pid fields directly.
func (r *ProcessRegistry) All() []*PluginProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PluginProcess, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	return out
}

// setRunning records a freshly spawned child on the row for id. Caller must
// already hold no conflicting lock; this takes the registry's own lock.
func (r *ProcessRegistry) setRunning(id string, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plugins[id]; ok {
		p.cmd = cmd
		p.pid = cmd.Process.Pid
	}
}

// clearRunning drops the child handle and pid, marking the row not-running
// without touching Enabled (spec §4.3 Kill clears child_handle/pid and sets
// enabled=false itself via a separate call).
func (r *ProcessRegistry) clearRunning(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plugins[id]; ok {
		p.cmd = nil
		p.pid = 0
	}
}

func (r *ProcessRegistry) setEnabled(id string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plugins[id]; ok {
		p.Enabled = enabled
	}
}

// Health reports whether id is currently servable: enabled, with a recorded
// child, whose socket file still exists and whose process is still alive
// (spec §4.4). The liveness probe is signal 0 on Unix, which does not
// perturb the target process. This never performs blocking I/O beyond a
// stat and a signal syscall.
func (r *ProcessRegistry) Health(id string) bool {
	r.mu.Lock()
	p, ok := r.plugins[id]
	r.mu.Unlock()
	if !ok || !p.Enabled || p.cmd == nil {
		return false
	}
	if _, err := os.Stat(p.SocketPath); err != nil {
		return false
	}
	return processAlive(p.pid)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
