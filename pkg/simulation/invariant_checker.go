package simulation

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/raftkv/raftdb/pkg/raft"
	"github.com/raftkv/raftdb/pkg/store"
)

// Violation is one observed break of a safety invariant.
type Violation struct {
	Type        string
	Description string
}

// InvariantChecker accumulates each node's applied entries and checks two
// universal safety invariants from spec.md §8: no two nodes ever apply a
// different entry at the same index (log matching), and term numbers never
// decrease along a node's own applied prefix. Commit-index monotonicity is
// not checked.
type InvariantChecker struct {
	mu      sync.Mutex
	applied map[string][]raft.AppliedEntry
}

// NewInvariantChecker returns an empty checker.
func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{applied: make(map[string][]raft.AppliedEntry)}
}

// Collect snapshots node's applied entries. Call this after driving the
// cluster and letting it settle, once per node under test.
func (ic *InvariantChecker) Collect(node *raft.Raft) error {
	entries, err := node.AppliedEntries()
	if err != nil {
		return fmt.Errorf("simulation: collect from %s: %w", node.ID(), err)
	}
	ic.mu.Lock()
	ic.applied[node.ID()] = entries
	ic.mu.Unlock()
	return nil
}

// Clear discards every collected snapshot, for reuse across sub-tests.
func (ic *InvariantChecker) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.applied = make(map[string][]raft.AppliedEntry)
}

// Check runs every invariant against the collected snapshots and returns
// every violation found; an empty slice means the cluster is safe.
func (ic *InvariantChecker) Check() []Violation {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	var violations []Violation
	violations = append(violations, ic.checkLogMatching()...)
	violations = append(violations, ic.checkMonotonicTerms()...)
	return violations
}

// checkLogMatching verifies that whenever two nodes both applied an entry
// at the same index, they applied the same term and the same writes —
// the core safety property Raft's log matching property exists to
// guarantee.
func (ic *InvariantChecker) checkLogMatching() []Violation {
	byIndex := make(map[uint64]map[string]raft.AppliedEntry)
	for nodeID, entries := range ic.applied {
		for _, e := range entries {
			if byIndex[e.Index] == nil {
				byIndex[e.Index] = make(map[string]raft.AppliedEntry)
			}
			byIndex[e.Index][nodeID] = e
		}
	}

	var violations []Violation
	for index, byNode := range byIndex {
		var refNode string
		var ref raft.AppliedEntry
		first := true
		for nodeID, e := range byNode {
			if first {
				ref, refNode, first = e, nodeID, false
				continue
			}
			if e.Term != ref.Term {
				violations = append(violations, Violation{
					Type: "log-matching",
					Description: fmt.Sprintf("index %d: node %s applied term %d, node %s applied term %d",
						index, refNode, ref.Term, nodeID, e.Term),
				})
				continue
			}
			if !sameWrites(ref.Writes, e.Writes) {
				violations = append(violations, Violation{
					Type: "log-matching",
					Description: fmt.Sprintf("index %d: node %s and node %s applied different writes",
						index, refNode, nodeID),
				})
			}
		}
	}
	return violations
}

func sameWrites(a, b []store.KV) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Key, b[i].Key) || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

// checkMonotonicTerms verifies each node's own applied entries never show
// a later index with an earlier term than one before it.
func (ic *InvariantChecker) checkMonotonicTerms() []Violation {
	var violations []Violation
	for nodeID, entries := range ic.applied {
		for i := 1; i < len(entries); i++ {
			prev, curr := entries[i-1], entries[i]
			if curr.Index > prev.Index && curr.Term < prev.Term {
				violations = append(violations, Violation{
					Type: "term-monotonicity",
					Description: fmt.Sprintf("node %s: term %d at index %d precedes term %d at index %d",
						nodeID, prev.Term, prev.Index, curr.Term, curr.Index),
				})
			}
		}
	}
	return violations
}
