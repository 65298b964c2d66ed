// Package kvstore implements the plugin KV store (spec §4.8): a durable
// mapping (plugin_id, key) -> value, namespaced so each plugin only ever
// sees its own keys. Values are CBOR-encoded on disk; bbolt provides the
// ACID, file-backed storage and per-key atomicity.
package kvstore

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var rootBucket = []byte("plugin_kv")

// Store is a bbolt-backed, plugin-namespaced key/value store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the KV store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: failed to initialize bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns pluginID's value for key, and whether it was present.
func (s *Store) Get(pluginID, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ns, err := namespaceBucket(tx, pluginID, false)
		if err != nil || ns == nil {
			return err
		}
		raw := ns.Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(raw, &value)
	})
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get failed: %w", err)
	}
	return value, found, nil
}

// Set upserts pluginID's value for key. Atomic with respect to this single
// key (spec §4.8).
func (s *Store) Set(pluginID, key, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ns, err := namespaceBucket(tx, pluginID, true)
		if err != nil {
			return err
		}
		data, err := cbor.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode value: %w", err)
		}
		return ns.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("kvstore: set failed: %w", err)
	}
	return nil
}

// Delete removes pluginID's key, if present. Deleting a missing key is not
// an error.
func (s *Store) Delete(pluginID, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ns, err := namespaceBucket(tx, pluginID, false)
		if err != nil || ns == nil {
			return err
		}
		return ns.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("kvstore: delete failed: %w", err)
	}
	return nil
}

// ListNamespace returns every key currently set for pluginID.
func (s *Store) ListNamespace(pluginID string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		ns, err := namespaceBucket(tx, pluginID, false)
		if err != nil || ns == nil {
			return err
		}
		return ns.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: list_namespace failed: %w", err)
	}
	return keys, nil
}

// namespaceBucket returns pluginID's nested bucket inside rootBucket,
// creating it if create is true. With create false and no existing bucket,
// returns (nil, nil) — not an error, the namespace is simply empty.
func namespaceBucket(tx *bbolt.Tx, pluginID string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(rootBucket)
	ns := root.Bucket([]byte(pluginID))
	if ns != nil || !create {
		return ns, nil
	}
	return root.CreateBucket([]byte(pluginID))
}
