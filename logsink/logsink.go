// Package logsink implements the per-plugin structured log files and the
// supervisor log (spec §3 LogEntry, §4.9): JSON-lines, size-triggered
// rotation, retention pruning, and a paginated/filterable read API.
package logsink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Level mirrors spec §3's severity set, ordered least to most severe.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ToHclog maps Level onto hclog's own level type, for callers that log
// through both an Entry and an hclog.Logger with one severity.
func (l Level) ToHclog() hclog.Level {
	switch l {
	case LevelTrace:
		return hclog.Trace
	case LevelDebug:
		return hclog.Debug
	case LevelInfo:
		return hclog.Info
	case LevelWarn:
		return hclog.Warn
	case LevelError:
		return hclog.Error
	default:
		return hclog.Info
	}
}

// ParseLevel maps a query-string level filter to a Level, defaulting to
// LevelTrace (no filtering) for an unrecognized or empty string.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelTrace
	}
}

// Entry is one line of a plugin or supervisor log file (spec §3 LogEntry).
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	PluginID  string    `json:"plugin_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	PID       int       `json:"pid,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	type alias struct {
		Timestamp time.Time `json:"timestamp"`
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		PluginID  string    `json:"plugin_id,omitempty"`
		Error     string    `json:"error,omitempty"`
		PID       int       `json:"pid,omitempty"`
	}
	return json.Marshal(alias{
		Timestamp: e.Timestamp,
		Level:     e.Level.String(),
		Message:   e.Message,
		PluginID:  e.PluginID,
		Error:     e.Error,
		PID:       e.PID,
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var alias struct {
		Timestamp time.Time `json:"timestamp"`
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		PluginID  string    `json:"plugin_id,omitempty"`
		Error     string    `json:"error,omitempty"`
		PID       int       `json:"pid,omitempty"`
	}
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	e.Timestamp = alias.Timestamp
	e.Level = ParseLevel(alias.Level)
	e.Message = alias.Message
	e.PluginID = alias.PluginID
	e.Error = alias.Error
	e.PID = alias.PID
	return nil
}

// Config tunes rotation/retention behavior (spec §4.9).
type Config struct {
	Dir             string // root log directory; per-plugin files live under Dir/plugins
	MaxFileSize     int64  // default 10 MiB
	MaxRotatedFiles int    // default 5
}

const (
	defaultMaxFileSize     = 10 * 1024 * 1024
	defaultMaxRotatedFiles = 5
)

// Sink owns the per-plugin log files and the supervisor log, and the hclog
// logger the rest of the supervisor logs through.
type Sink struct {
	cfg    Config
	logger hclog.Logger

	mu    sync.Mutex
	files map[string]*os.File // plugin id -> open append handle
}

// New creates the log directory tree and returns a ready Sink. The Sink's
// hclog.Logger writes JSON lines to <dir>/plugin-supervisor.log only,
// matching spec §4.9's "separate supervisor log".
func New(cfg Config) (*Sink, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	if cfg.MaxRotatedFiles <= 0 {
		cfg.MaxRotatedFiles = defaultMaxRotatedFiles
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, "plugins"), 0755); err != nil {
		return nil, fmt.Errorf("logsink: failed to create plugin log directory: %w", err)
	}

	supervisorLogPath := filepath.Join(cfg.Dir, "plugin-supervisor.log")
	supervisorFile, err := os.OpenFile(supervisorLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("logsink: failed to open supervisor log: %w", err)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "pluginsup",
		Level:      hclog.Trace,
		Output:      supervisorFile,
		JSONFormat: true,
	})

	return &Sink{cfg: cfg, logger: logger, files: make(map[string]*os.File)}, nil
}

// Logger returns the supervisor's structured logger.
func (s *Sink) Logger() hclog.Logger {
	return s.logger
}

// PluginLogPath returns the path of id's current (unrotated) log file.
func (s *Sink) PluginLogPath(id string) string {
	return filepath.Join(s.cfg.Dir, "plugins", id+".log")
}

// WritePluginLine appends one Entry to id's log file, rotating first if the
// file has grown past MaxFileSize (spec §4.9).
func (s *Sink) WritePluginLine(id string, level Level, message string) {
	s.writeEntry(id, Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		PluginID:  id,
	})
}

// WritePluginError is WritePluginLine with an attached error string.
func (s *Sink) WritePluginError(id string, message string, errText string) {
	s.writeEntry(id, Entry{
		Timestamp: time.Now(),
		Level:     LevelError,
		Message:   message,
		PluginID:  id,
		Error:     errText,
	})
}

// WritePluginEntry appends an already-structured Entry to id's log file
// (spec §4.3: a plugin's stderr line that parses as a LogEntry is recorded
// as-is rather than re-wrapped). Timestamp and PluginID are filled in when
// the caller left them zero.
func (s *Sink) WritePluginEntry(id string, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.PluginID = id
	s.writeEntry(id, entry)
}

func (s *Sink) writeEntry(id string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.PluginLogPath(id)
	if err := s.rotateIfNeededLocked(path); err != nil {
		s.logger.Warn("logsink: rotation failed", "plugin_id", id, "error", err)
	}

	f, ok := s.files[id]
	if !ok {
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			s.logger.Warn("logsink: failed to open plugin log", "plugin_id", id, "error", err)
			return
		}
		s.files[id] = f
	}

	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("logsink: failed to encode entry", "plugin_id", id, "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		s.logger.Warn("logsink: failed to write entry", "plugin_id", id, "error", err)
	}
}

// rotateIfNeededLocked checks path's size and, if over the limit, renames it
// with a UTC timestamp suffix and prunes old rotated siblings. Caller must
// hold s.mu.
func (s *Sink) rotateIfNeededLocked(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < s.cfg.MaxFileSize {
		return nil
	}

	if f, ok := s.files[filepath.Base(strings.TrimSuffix(path, ".log"))]; ok {
		f.Close()
		delete(s.files, filepath.Base(strings.TrimSuffix(path, ".log")))
	}

	suffix := time.Now().UTC().Format("20060102T150405.000000000Z")
	rotatedPath := fmt.Sprintf("%s.%s", path, suffix)
	if err := os.Rename(path, rotatedPath); err != nil {
		return fmt.Errorf("logsink: failed to rotate %s: %w", path, err)
	}

	return s.pruneRotated(path)
}

// pruneRotated deletes timestamp-suffixed siblings of path beyond
// MaxRotatedFiles, oldest first by modification time.
func (s *Sink) pruneRotated(path string) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type rotated struct {
		path    string
		modTime time.Time
	}
	var siblings []rotated
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), base+".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		siblings = append(siblings, rotated{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}

	sort.Slice(siblings, func(i, j int) bool { return siblings[i].modTime.Before(siblings[j].modTime) })

	excess := len(siblings) - s.cfg.MaxRotatedFiles
	for i := 0; i < excess; i++ {
		if err := os.Remove(siblings[i].path); err != nil {
			return fmt.Errorf("logsink: failed to prune %s: %w", siblings[i].path, err)
		}
	}
	return nil
}

// Close flushes and closes every open per-plugin log file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, id)
	}
	return firstErr
}

// ReadPluginLogs returns id's entries newest-first, filtered to at least
// minLevel, paginated by (page, pageSize) (spec §4.9 Read API). page is
// 1-indexed; page<1 or pageSize<1 are treated as 1.
func (s *Sink) ReadPluginLogs(id string, minLevel Level, page, pageSize int) ([]Entry, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}

	entries, err := s.readAllEntries(id)
	if err != nil {
		return nil, err
	}

	var filtered []Entry
	for _, e := range entries {
		if e.Level >= minLevel {
			filtered = append(filtered, e)
		}
	}

	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}

	start := (page - 1) * pageSize
	if start >= len(filtered) {
		return []Entry{}, nil
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], nil
}

func (s *Sink) readAllEntries(id string) ([]Entry, error) {
	path := s.PluginLogPath(id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("logsink: failed to open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
