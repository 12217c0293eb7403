// Package store defines the persistent byte-level key/value collaborator
// that the Raft core depends on but does not implement: a read-consistent
// snapshot plus an atomic mutate operation. The core stores its own
// meta-keys and the replicated state machine under disjoint key prefixes
// of the same underlying store.
package store

// KV is a single key/value write. A nil Value means delete.
type KV struct {
	Key   []byte
	Value []byte
}

// Snapshot is a point-in-time, read-only view of the store. Reads against
// a Snapshot never observe mutations committed after it was taken.
type Snapshot interface {
	// Get returns the value for key as of the snapshot, or ok=false.
	Get(key []byte) (value []byte, ok bool)

	// ScanPrefix calls fn for every key/value pair whose key starts with
	// prefix, in ascending key order, until fn returns false.
	ScanPrefix(prefix []byte, fn func(key, value []byte) bool)

	// Close releases resources held by the snapshot.
	Close()
}

// PersistentStore is the atomic byte-level key/value store the Raft core
// is layered on top of. Implementations must guarantee that Mutate either
// applies every write or, on error, leaves prior state completely intact.
type PersistentStore interface {
	// Snapshot opens a new read-only, repeatable-read view of the store.
	Snapshot() Snapshot

	// Get is a convenience point read against the current state; it is
	// equivalent to taking a Snapshot, reading one key, and closing it.
	Get(key []byte) (value []byte, ok bool, err error)

	// Mutate applies writes atomically. When durable is true the mutation
	// must be fsynced before Mutate returns.
	Mutate(writes []KV, durable bool) error

	// RemoveRange deletes every key with the given prefix atomically.
	RemoveRange(prefix []byte) error

	// Close releases the underlying store.
	Close() error
}
