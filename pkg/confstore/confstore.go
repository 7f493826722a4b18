package confstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketConfig = []byte("config")
	bucketMeta   = []byte("meta")

	keyAppliedEID = []byte("applied_eid")
)

// Command is one state change carried in a committed Data entry.
type Command struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Store is the configuration database replicated by the consensus engine.
// It consumes committed entries in log order and can produce and restore
// snapshots of its full contents.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the store under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "corral.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketConfig, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppliedEID returns the id of the last entry applied, or 0.
func (s *Store) AppliedEID() (uint64, error) {
	var eid uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(keyAppliedEID); v != nil {
			eid = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return eid, err
}

// Apply interprets one committed Data entry and records its entry id.
// Entries with eid at or below the applied mark are ignored, so redelivery
// after a restart is harmless.
func (s *Store) Apply(eid uint64, data []byte) error {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyAppliedEID); v != nil && binary.BigEndian.Uint64(v) >= eid {
			return nil
		}

		b := tx.Bucket(bucketConfig)
		switch cmd.Op {
		case "put":
			if err := b.Put([]byte(cmd.Key), cmd.Value); err != nil {
				return err
			}
		case "delete":
			if err := b.Delete([]byte(cmd.Key)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown command: %s", cmd.Op)
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], eid)
		return meta.Put(keyAppliedEID, buf[:])
	})
}

// Get returns the value for a key, or nil if absent.
func (s *Store) Get(key string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketConfig).Get([]byte(key)); v != nil {
			out = append(out, v...)
		}
		return nil
	})
	return out, err
}

// List returns all key/value pairs.
func (s *Store) List() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfig).ForEach(func(k, v []byte) error {
			out[string(k)] = append(json.RawMessage(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot marshals the full contents for log compaction.
func (s *Store) Snapshot() ([]byte, error) {
	pairs, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	return json.Marshal(pairs)
}

// Restore replaces the contents from a snapshot image and records its
// entry id.
func (s *Store) Restore(eid uint64, data []byte) error {
	var pairs map[string]json.RawMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &pairs); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketConfig); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketConfig)
		if err != nil {
			return err
		}
		for k, v := range pairs {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], eid)
		return tx.Bucket(bucketMeta).Put(keyAppliedEID, buf[:])
	})
}
