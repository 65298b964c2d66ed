// Package pluginsup implements the plugin supervision subsystem of a host
// control-center service: discovering plugin executables, spawning and
// supervising them as child processes, exchanging length-framed JSON over
// per-plugin Unix sockets, routing HTTP requests to the right plugin, and
// restarting crashed plugins with bounded exponential backoff.
package pluginsup

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ctrlhost/pluginsup/eventlog"
	"github.com/ctrlhost/pluginsup/kvstore"
	"github.com/ctrlhost/pluginsup/logsink"
)

// Config is the construction-time configuration for a Supervisor. There are
// no package-level globals; every Supervisor is independently configured.
type Config struct {
	// PluginsDir holds plugin binaries (files with the pluginBinaryExt
	// marker) and a .metadata subdirectory for the enable map.
	PluginsDir string
	// SocketsDir holds per-plugin Unix sockets. Defaults to
	// /tmp/toru-plugins when empty, matching the well-known temp
	// directory convention this subsystem inherits.
	SocketsDir string
	// LogDir holds the per-plugin log files and the supervisor log.
	LogDir string
	// DataDir holds the KV store and event log database files.
	DataDir string
	// InstanceID identifies this supervisor instance to plugins during the
	// init handshake.
	InstanceID string
	// MaxRestarts is the crash-recovery threshold (spec §4.7).
	MaxRestarts int
	// EventRetention is an event-row retention setting. NewSupervisor does
	// not read it and no background pruning runs; rows are pruned only when
	// the caller invokes PruneEvents with a retention.
	EventRetention time.Duration
}

func (c *Config) applyDefaults() {
	if c.SocketsDir == "" {
		c.SocketsDir = "/tmp/toru-plugins"
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
}

// Supervisor wires the process registry, discovery, lifecycle controller,
// crash recovery, route dispatcher, forwarder, KV store, log sink, and
// event notifier into one construction-time object (spec §2).
type Supervisor struct {
	pluginsDir string
	socketsDir string
	instanceID string
	maxRestarts int

	logger   hclog.Logger
	logSink  *logsink.Sink
	events   *eventlog.Store
	kv       *kvstore.Store

	registry   *ProcessRegistry
	restarts   *RestartCounters
	enableMap  *EnableMap
	routeTable *RouteTable

	expectedMu    sync.Mutex
	expectedExits map[string]*exec.Cmd
}

// NewSupervisor creates the supervisor's backing directories and storage,
// and returns a Supervisor ready for Initialize.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	cfg.applyDefaults()

	if err := os.MkdirAll(cfg.PluginsDir, 0755); err != nil {
		return nil, fmt.Errorf("pluginsup: failed to create plugins directory: %w", err)
	}
	metadataDir := filepath.Join(cfg.PluginsDir, ".metadata")
	if err := os.MkdirAll(metadataDir, 0755); err != nil {
		return nil, fmt.Errorf("pluginsup: failed to create metadata directory: %w", err)
	}
	if err := os.MkdirAll(cfg.SocketsDir, 0755); err != nil {
		return nil, fmt.Errorf("pluginsup: failed to create sockets directory: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("pluginsup: failed to create data directory: %w", err)
	}

	logSink, err := logsink.New(logsink.Config{Dir: cfg.LogDir})
	if err != nil {
		return nil, fmt.Errorf("pluginsup: failed to initialize log sink: %w", err)
	}

	events, err := eventlog.Open(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		return nil, fmt.Errorf("pluginsup: failed to initialize event log: %w", err)
	}

	kv, err := kvstore.Open(filepath.Join(cfg.DataDir, "kv.db"))
	if err != nil {
		return nil, fmt.Errorf("pluginsup: failed to initialize kv store: %w", err)
	}

	enableMap, err := LoadEnableMap(filepath.Join(metadataDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("pluginsup: failed to load enable map: %w", err)
	}

	return &Supervisor{
		pluginsDir:    cfg.PluginsDir,
		socketsDir:    cfg.SocketsDir,
		instanceID:    cfg.InstanceID,
		maxRestarts:   cfg.MaxRestarts,
		logger:        logSink.Logger(),
		logSink:       logSink,
		events:        events,
		kv:            kv,
		registry:      NewProcessRegistry(),
		restarts:      NewRestartCounters(),
		enableMap:     enableMap,
		routeTable:    NewRouteTable(),
		expectedExits: make(map[string]*exec.Cmd),
	}, nil
}

// Initialize runs the startup discovery scan and spawns every enabled
// plugin found (spec §4.7's "initialize" flow).
func (s *Supervisor) Initialize() error {
	found, err := discoverPlugins(s.pluginsDir, s.logger)
	if err != nil {
		return err
	}

	for _, d := range found {
		s.registerDiscovered(d)

		if s.enableMap.IsEnabled(d.metadata.ID) {
			if err := s.spawn(d.metadata.ID); err != nil {
				s.logger.Error("initialize: failed to spawn plugin", "plugin_id", d.metadata.ID, "error", err)
			}
		}
	}
	return nil
}

// registerDiscovered upserts a discovered plugin into the registry and
// route table. If id is already registered with different metadata, it
// emits a metadata_conflict event and keeps the existing row unchanged.
func (s *Supervisor) registerDiscovered(d discoveredPlugin) {
	id := d.metadata.ID
	socketPath := filepath.Join(s.socketsDir, id+".sock")

	existing, hadPrior := s.registry.Get(id)
	if hadPrior && existing.Metadata != nil && *existing.Metadata != *d.metadata {
		s.notify(id, eventlog.EventMetadataConflict, logsink.LevelWarn,
			fmt.Sprintf("metadata changed between discovery scans for plugin %q", id))
		return
	}

	s.registry.Upsert(id, d.metadata, d.path, socketPath)
	s.routeTable.Set(d.metadata.Route, id)
}

// rescanForID re-runs discovery looking specifically for id, used by Enable
// when a plugin id has no registry row yet (spec §4.2 "on explicit re-scan
// when enabling an unknown plugin id").
func (s *Supervisor) rescanForID(id string) error {
	found, err := discoverPlugins(s.pluginsDir, s.logger)
	if err != nil {
		return err
	}
	for _, d := range found {
		if d.metadata.ID == id {
			s.registerDiscovered(d)
			return nil
		}
	}
	return newError(ErrDiscovery, id, "plugin not found on re-scan", nil)
}

// Enable turns id on, spawning it if necessary (spec §4.3 Enable).
func (s *Supervisor) Enable(id string) error {
	return s.enable(id)
}

// Disable turns id off and kills its process, retaining its registry row
// (spec §4.3 Disable).
func (s *Supervisor) Disable(id string) error {
	return s.disable(id)
}

// Plugins returns a snapshot of every known plugin's registry row.
func (s *Supervisor) Plugins() []*PluginProcess {
	return s.registry.All()
}

// Plugin returns id's registry row, if known.
func (s *Supervisor) Plugin(id string) (*PluginProcess, bool) {
	return s.registry.Get(id)
}

// PluginBundlePath returns the filesystem path of id's frontend bundle
// (spec §6: "serve the plugin's frontend bundle from
// <plugins_dir>/<id>/bundle.js"). Returns "" if id is unknown.
func (s *Supervisor) PluginBundlePath(id string) string {
	if _, ok := s.registry.Get(id); !ok {
		return ""
	}
	return filepath.Join(s.pluginsDir, id, "bundle.js")
}

// RouteLookup resolves a route segment (e.g. "myplugin", no leading slash)
// to the owning plugin id, for the HTTP route dispatcher (spec §4.5).
func (s *Supervisor) RouteLookup(segment string) (string, bool) {
	return s.routeTable.Lookup("/" + segment)
}

// KVGet, KVSet, KVDelete, KVList expose the embedded plugin KV store
// (spec §4.8) for host-side callers (e.g. the HTTP KV route).
func (s *Supervisor) KVGet(pluginID, key string) (string, bool, error) {
	return s.kv.Get(pluginID, key)
}

func (s *Supervisor) KVSet(pluginID, key, value string) error {
	return s.kv.Set(pluginID, key, value)
}

func (s *Supervisor) KVDelete(pluginID, key string) error {
	return s.kv.Delete(pluginID, key)
}

func (s *Supervisor) KVList(pluginID string) ([]string, error) {
	return s.kv.ListNamespace(pluginID)
}

// Logs exposes the log sink's paginated read API (spec §4.9).
func (s *Supervisor) Logs(pluginID string, minLevel logsink.Level, page, pageSize int) ([]logsink.Entry, error) {
	return s.logSink.ReadPluginLogs(pluginID, minLevel, page, pageSize)
}

// notify is the event notifier's single entry point (spec §4.10): it fans
// out to the supervisor log and the durable event table. Failures in either
// sink are logged at warn and never propagate to the caller.
func (s *Supervisor) notify(pluginID string, eventType eventlog.EventType, level logsink.Level, details string) {
	s.logger.Log(level.ToHclog(), string(eventType), "plugin_id", pluginID, "details", details)

	err := s.events.Append(eventlog.Event{
		PluginID:  pluginID,
		EventType: eventType,
		Timestamp: time.Now(),
		Details:   details,
	})
	if err != nil {
		s.logger.Warn("notify: failed to append event", "plugin_id", pluginID, "event_type", eventType, "error", err)
	}
}

// PruneEvents removes event rows older than retention; a retention of zero
// or less removes nothing. The Supervisor never calls it itself; any
// periodic schedule belongs to the caller.
func (s *Supervisor) PruneEvents(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.events.PruneOlderThan(time.Now().Add(-retention))
}

// Shutdown kills every running plugin and closes backing storage. It does
// not remove the registry rows; a fresh Supervisor recreates them via
// Initialize on the next process start.
func (s *Supervisor) Shutdown() error {
	for _, p := range s.registry.All() {
		if p.Running() {
			if err := s.kill(p.ID); err != nil {
				s.logger.Warn("shutdown: failed to kill plugin", "plugin_id", p.ID, "error", err)
			}
		}
	}

	var firstErr error
	if err := s.kv.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.logSink.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
