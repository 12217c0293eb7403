// Package standalone models the narrow contract between the Raft core and
// an operator-invoked fallback path: when a cluster has permanently lost
// quorum (majority of nodes dead, network partition that will not heal in
// time), an operator can force a single surviving node to keep serving
// reads and writes directly against its local store, bypassing consensus
// entirely. Everything about how that decision gets made operationally
// (alerting, runbooks, the actual outage) is out of scope here; this
// package only captures the handoff itself and the guardrails around it,
// grounded on the restartAsStandaloneNode escape hatch etcd's server
// keeps for the same situation.
package standalone

import (
	"context"
	"log"
	"sync"

	"github.com/raftkv/raftdb/pkg/raft"
	"github.com/raftkv/raftdb/pkg/store"
)

// Mode reports which path a Supervisor is currently routing through.
type Mode uint8

const (
	// ModeReplicated routes every operation through the Raft core, the
	// normal mode of operation.
	ModeReplicated Mode = iota
	// ModeStandalone bypasses the core and talks to the local store
	// directly. Writes accepted in this mode are not replicated and are
	// at risk if the local disk is lost before the cluster recovers.
	ModeStandalone
)

func (m Mode) String() string {
	if m == ModeStandalone {
		return "standalone"
	}
	return "replicated"
}

// Supervisor decides, on each operation, whether to go through the
// replicated core or straight to local storage. It never makes that
// decision on its own: ForceStandalone and Resume are both explicit,
// operator-driven transitions, never automatic, because guessing wrong
// about quorum loss is how a split-brain happens.
type Supervisor struct {
	mu     sync.RWMutex
	node   *raft.Raft
	store  store.PersistentStore
	mode   Mode
	reason string
	logger *log.Logger
}

// NewSupervisor wraps node and its backing store. The store must be the
// same instance node was constructed with; standalone mode reads and
// writes it directly, so the two must never diverge once node resumes
// replicated operation.
func NewSupervisor(node *raft.Raft, st store.PersistentStore, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{node: node, store: st, mode: ModeReplicated, logger: logger}
}

// Mode returns the current routing mode.
func (s *Supervisor) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// ForceStandalone switches to local-only operation. reason is logged
// verbatim and should name the operator decision that triggered this
// (e.g. "quorum lost, 2 of 3 nodes confirmed dead by on-call"). Calling
// this while the cluster still has a reachable leader is a mistake the
// caller is responsible for avoiding; the supervisor does not second
// guess the operator's judgment about quorum loss, since only a human
// with access to the rest of the fleet can know it.
func (s *Supervisor) ForceStandalone(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeStandalone {
		return
	}
	s.mode = ModeStandalone
	s.reason = reason
	s.logger.Printf("standalone: node %s forced into standalone mode: %s", s.node.ID(), reason)
}

// Resume switches back to replicated operation. The caller is
// responsible for having reconciled this node's local state with the
// rest of the cluster (e.g. by rejoining and letting the leader's
// snapshot overwrite whatever standalone mode wrote) before calling
// this; Resume itself performs no reconciliation.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeReplicated {
		return
	}
	s.logger.Printf("standalone: node %s resuming replicated mode (was standalone: %s)", s.node.ID(), s.reason)
	s.mode = ModeReplicated
	s.reason = ""
}

// Reason returns the text passed to the ForceStandalone call that entered
// standalone mode (a repeat call while already standalone does not replace
// it), or "" while the supervisor is in replicated mode.
func (s *Supervisor) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Get reads key through whichever path is currently active.
func (s *Supervisor) Get(key []byte) ([]byte, bool, error) {
	if s.Mode() == ModeReplicated {
		tx, err := s.node.Begin(raft.Linearizable)
		if err != nil {
			return nil, false, err
		}
		defer tx.Rollback()
		return tx.Get(key)
	}
	return s.store.Get(key)
}

// Put writes key/value through whichever path is currently active. In
// standalone mode this commits directly to the local store with no
// replication and no MVCC conflict detection: last writer wins.
func (s *Supervisor) Put(key, value []byte) error {
	if s.Mode() == ModeReplicated {
		tx, err := s.node.Begin(raft.Linearizable)
		if err != nil {
			return err
		}
		if err := tx.Put(key, value); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit(context.Background())
	}
	return s.store.Mutate([]store.KV{{Key: key, Value: value}}, true)
}

// Delete removes key through whichever path is currently active.
func (s *Supervisor) Delete(key []byte) error {
	if s.Mode() == ModeReplicated {
		tx, err := s.node.Begin(raft.Linearizable)
		if err != nil {
			return err
		}
		if err := tx.Delete(key); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit(context.Background())
	}
	return s.store.Mutate([]store.KV{{Key: key, Value: nil}}, true)
}

// Status summarizes the supervisor's state for a diagnostics endpoint.
type Status struct {
	Mode   string
	Reason string
}

// Status returns the current mode and, if standalone, the reason given
// when it was forced.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{Mode: s.mode.String(), Reason: s.reason}
}
