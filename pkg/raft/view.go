package raft

import (
	"bytes"
	"sort"
	"sync"

	"github.com/raftkv/raftdb/pkg/store"
)

// prefixedSnapshot adapts a raw store.Snapshot onto the state machine's key
// space: every key the caller sees has prefix transparently stripped on
// read and added back when scanning, so the transaction layer never has to
// know the store also holds the core's own meta-keys under a disjoint
// prefix.
type prefixedSnapshot struct {
	base   store.Snapshot
	prefix []byte
}

func (p *prefixedSnapshot) Get(key []byte) ([]byte, bool) {
	return p.base.Get(append(append([]byte(nil), p.prefix...), key...))
}

func (p *prefixedSnapshot) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) {
	full := append(append([]byte(nil), p.prefix...), prefix...)
	p.base.ScanPrefix(full, func(key, value []byte) bool {
		return fn(key[len(p.prefix):], value)
	})
}

func (p *prefixedSnapshot) Close() { p.base.Close() }

// view is the lazy, mutable overlay a transaction reads and writes through.
// It wraps a point-in-time store.Snapshot (the base) plus a buffered set of
// pending writes that haven't committed yet, and records every key and
// prefix the transaction has read so the leader can later check for
// conflicts against entries that committed after the base.
type view struct {
	mu         sync.Mutex
	base       store.Snapshot
	overlay    map[string][]byte // nil value means "deleted"
	readKeys   map[string]struct{}
	readRanges [][]byte
	closed     bool
}

func newView(base store.Snapshot) *view {
	return &view{
		base:     base,
		overlay:  make(map[string][]byte),
		readKeys: make(map[string]struct{}),
	}
}

// Get reads key, checking the overlay first, then the base snapshot. Every
// read (hit or miss) is tracked for conflict detection at commit time.
func (v *view) Get(key []byte) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.readKeys[string(key)] = struct{}{}
	if val, ok := v.overlay[string(key)]; ok {
		return val, val != nil
	}
	return v.base.Get(key)
}

// ScanPrefix reads every key under prefix from the base snapshot, overlaid
// with any buffered writes under the same prefix. fn is called first for
// the base keys in ascending key order (buffered values substituted,
// buffered deletions skipped), then for keys that exist only in the
// buffered writes, in no defined order. The whole prefix is tracked as a
// read range.
func (v *view) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) {
	v.mu.Lock()
	v.readRanges = append(v.readRanges, append([]byte(nil), prefix...))
	overlay := make(map[string][]byte, len(v.overlay))
	for k, val := range v.overlay {
		if bytes.HasPrefix([]byte(k), prefix) {
			overlay[k] = val
		}
	}
	v.mu.Unlock()

	seen := make(map[string]bool, len(overlay))
	cont := true
	v.base.ScanPrefix(prefix, func(key, value []byte) bool {
		k := string(key)
		seen[k] = true
		if val, ok := overlay[k]; ok {
			if val == nil {
				return true // deleted in overlay, skip
			}
			value = val
		}
		cont = fn(key, value)
		return cont
	})
	if !cont {
		return
	}
	for k, val := range overlay {
		if val == nil || seen[k] {
			continue
		}
		if !fn([]byte(k), val) {
			return
		}
	}
}

func (v *view) Put(key, value []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.overlay[string(key)] = append([]byte(nil), value...)
}

func (v *view) Delete(key []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.overlay[string(key)] = nil
}

// writes returns the buffered overlay as an ordered write set, ready to
// encode into a log entry.
func (v *view) writes() []store.KV {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]store.KV, 0, len(v.overlay))
	for k, val := range v.overlay {
		out = append(out, store.KV{Key: []byte(k), Value: val})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

func (v *view) trackedReads() (keys [][]byte, ranges [][]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k := range v.readKeys {
		keys = append(keys, []byte(k))
	}
	ranges = append(ranges, v.readRanges...)
	return keys, ranges
}

func (v *view) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.base.Close()
}

// conflictsWith reports whether a committed write set intersects any key or
// range this view read, per the optimistic concurrency check the leader
// runs before accepting a commit.
func conflictsWith(writes []store.KV, readKeys [][]byte, readRanges [][]byte) bool {
	for _, w := range writes {
		for _, k := range readKeys {
			if bytes.Equal(w.Key, k) {
				return true
			}
		}
		for _, prefix := range readRanges {
			if bytes.HasPrefix(w.Key, prefix) {
				return true
			}
		}
	}
	return false
}
