// Package eventlog is the durable, append-only record of plugin lifecycle
// events (spec §3 Event, §4.10). Rows are never mutated, only appended and
// pruned by age when PruneOlderThan is called; this package schedules no
// pruning itself.
package eventlog

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

// EventType is the closed set of lifecycle events the supervisor records.
type EventType string

const (
	EventStarted                   EventType = "started"
	EventKilled                    EventType = "killed"
	EventEnabled                   EventType = "enabled"
	EventDisabled                  EventType = "disabled"
	EventRestartingWithBackoff     EventType = "restarting_with_backoff"
	EventDisabledAfterMaxRestarts  EventType = "disabled_after_max_restarts"
	// EventMetadataConflict extends the base enum (spec.md §9 resolves this;
	// the prior implementation is silent on it): a plugin id reappearing at
	// discovery with metadata that no longer matches what is on record is a
	// conflict, and the new metadata is rejected rather than overwriting.
	EventMetadataConflict EventType = "metadata_conflict"
)

// Event is one durable row (spec §3).
type Event struct {
	PluginID  string    `cbor:"plugin_id"`
	EventType EventType `cbor:"event_type"`
	Timestamp time.Time `cbor:"timestamp"`
	Details   string    `cbor:"details,omitempty"`
}

var eventsBucket = []byte("events")

// Store is a bbolt-backed append-only table of Events, keyed by an
// incrementing sequence number so iteration order matches insertion order.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the event log at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("eventlog: failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: failed to initialize bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one event row. Best-effort callers (the notifier, spec
// §4.10) log failures at warn and do not propagate them to the operation
// that triggered the event.
func (s *Store) Append(ev Event) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := cbor.Marshal(ev)
		if err != nil {
			return fmt.Errorf("eventlog: failed to encode event: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
}

// List returns every event for pluginID (or all plugins if pluginID is
// empty), oldest first.
func (s *Store) List(pluginID string) ([]Event, error) {
	var out []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		return b.ForEach(func(_, v []byte) error {
			var ev Event
			if err := cbor.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("eventlog: corrupt event row: %w", err)
			}
			if pluginID == "" || ev.PluginID == pluginID {
				out = append(out, ev)
			}
			return nil
		})
	})
	return out, err
}

// PruneOlderThan deletes every row whose Timestamp is before cutoff.
func (s *Store) PruneOlderThan(cutoff time.Time) (int, error) {
	pruned := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var ev Event
			if err := cbor.Unmarshal(v, &ev); err != nil {
				continue
			}
			if ev.Timestamp.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func seqKey(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
