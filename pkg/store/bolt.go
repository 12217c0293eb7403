package store

import (
	"fmt"

	"go.etcd.io/bbolt"
)

var dataBucket = []byte("raftdb")

// BoltStore is the production PersistentStore, backed by a single bbolt
// database file. bbolt's single-writer transaction model gives Mutate its
// all-or-nothing durability for free, and its ordered cursors back both
// RemoveRange and the prefix scans the snapshot transfer needs.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(dataBucket).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: get: %w", err)
	}
	return value, ok, nil
}

// Mutate applies writes inside a single bbolt read-write transaction. bbolt
// commits are durable (fsynced) by default; durable is accepted to satisfy
// the PersistentStore contract and to document call sites that require it,
// but every commit through this store is fsynced regardless of its value.
func (s *BoltStore) Mutate(writes []KV, durable bool) error {
	_ = durable
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dataBucket)
		for _, w := range writes {
			if w.Value == nil {
				if err := b.Delete(w.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(w.Key, w.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: mutate: %w", err)
	}
	return nil
}

func (s *BoltStore) RemoveRange(prefix []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(dataBucket)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: removeRange: %w", err)
	}
	return nil
}

func (s *BoltStore) Snapshot() Snapshot {
	tx, err := s.db.Begin(false)
	if err != nil {
		// bbolt only fails Begin on a closed or corrupt db; either way the
		// caller cannot make progress, so surface an empty, already-closed
		// snapshot rather than a nil interface.
		return &boltSnapshot{err: err}
	}
	return &boltSnapshot{tx: tx}
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

type boltSnapshot struct {
	tx  *bbolt.Tx
	err error
}

func (s *boltSnapshot) Get(key []byte) ([]byte, bool) {
	if s.tx == nil {
		return nil, false
	}
	v := s.tx.Bucket(dataBucket).Get(key)
	if v == nil {
		return nil, false
	}
	return append([]byte(nil), v...), true
}

func (s *boltSnapshot) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) {
	if s.tx == nil {
		return
	}
	c := s.tx.Bucket(dataBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			return
		}
	}
}

func (s *boltSnapshot) Close() {
	if s.tx != nil {
		s.tx.Rollback()
	}
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
