package raft

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/raftkv/raftdb/pkg/store"
)

func commitTimerName(id uint64) string { return fmt.Sprintf("commit-%d", id) }

// beginCommit is the entry point scheduled by Transaction.Commit. It runs
// on the service thread, so it takes the lock itself rather than assuming
// a caller already holds it.
func (r *Raft) beginCommit(tx *Transaction, done chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		done <- ErrNodeStopped
		return
	}

	switch r.role {
	case RoleLeader:
		r.leaderCommitLocked(tx, done)
	case RoleFollower:
		if r.leaderID == "" {
			r.candidateWaiting[tx.id] = &pendingLocal{tx: tx, done: done}
			r.armCommitTimerLocked(tx.id)
		} else {
			r.forwardCommitLocked(tx, done)
		}
	case RoleCandidate:
		// No leader to forward to yet; replayed once one is elected, by
		// drainCandidateWaitingLocked.
		r.candidateWaiting[tx.id] = &pendingLocal{tx: tx, done: done}
		r.armCommitTimerLocked(tx.id)
	}
}

// checkConflictsLocked runs the optimistic concurrency check (4.5): a
// transaction conflicts if anything it read was written by an entry that
// committed after its base.
func (r *Raft) checkConflictsLocked(tx *Transaction) error {
	readKeys, readRanges := tx.view.trackedReads()
	return r.checkConflictsBaseLocked(tx.baseIndex, readKeys, readRanges)
}

func (r *Raft) checkConflictsBaseLocked(baseIndex uint64, readKeys, readRanges [][]byte) error {
	if baseIndex < r.historyFloor {
		return ErrStaleTransaction
	}
	if len(readKeys) == 0 && len(readRanges) == 0 {
		return nil
	}
	for _, rec := range r.appliedHistory {
		if rec.index <= baseIndex {
			continue
		}
		kvs := make([]store.KV, len(rec.keys))
		for i, k := range rec.keys {
			kvs[i] = store.KV{Key: k}
		}
		if conflictsWith(kvs, readKeys, readRanges) {
			return ErrRetryTransaction
		}
	}
	return nil
}

// leaderCommitLocked is the leader's own path for a transaction it
// originated itself, as opposed to one forwarded by a follower.
func (r *Raft) leaderCommitLocked(tx *Transaction, done chan error) {
	if err := r.checkConflictsLocked(tx); err != nil {
		tx.state = TxClosed
		done <- err
		return
	}

	writes := tx.view.writes()
	readOnly := len(writes) == 0 && tx.configChange == nil

	if readOnly {
		r.serveReadOnlyLocked(tx, done)
		return
	}

	if tx.configChange != nil {
		if r.configChangePending {
			tx.state = TxClosed
			done <- ErrConfigChangePending
			return
		}
		if tx.configChange.Type == ConfigRemoveNode && len(r.clusterConfig) <= 1 {
			tx.state = TxClosed
			done <- ErrSoleMember
			return
		}
	}

	writeBytes, err := encodeWrites(writes)
	if err != nil {
		tx.state = TxClosed
		done <- err
		return
	}
	configBytes, err := encodeConfigChange(tx.configChange)
	if err != nil {
		tx.state = TxClosed
		done <- err
		return
	}

	e, err := r.appendEntryLocked(writeBytes, configBytes)
	if err != nil {
		tx.state = TxClosed
		done <- err
		return
	}
	tx.commitTerm = e.Term
	tx.commitIndex = e.Index
	tx.state = TxCommitWaiting

	r.pendingCommits[e.Index] = &pendingCommit{tx: tx, done: done}
	if tx.configChange != nil {
		r.configChangePending = true
		r.configChangeTxID = tx.id
		if tx.configChange.Type == ConfigAddNode {
			r.onConfigChangeAppendedLocked(tx.configChange)
		}
	}

	r.armCommitTimerLocked(tx.id)
	r.broadcastUpdateLocked()
	if len(r.clusterConfig) == 1 {
		r.tryAdvanceCommitIndexLocked()
	}
}

// serveReadOnlyLocked implements the two read-consistency levels: an
// Eventual read is satisfied immediately from the local snapshot already
// captured at Begin, a Linearizable one goes through the leader-lease fast
// path (3.4) and only blocks when the lease isn't confirmed fresh yet.
func (r *Raft) serveReadOnlyLocked(tx *Transaction, done chan error) {
	if tx.consistency == Eventual {
		tx.state = TxCompleted
		done <- nil
		return
	}

	timeout := r.leaseTimeoutLocked()
	now := nowMillis()
	if timeout > now {
		tx.state = TxCompleted
		done <- nil
		return
	}

	tx.state = TxCommitWaiting
	r.leaseWaiters = append(r.leaseWaiters, &leaseWaiter{tx: tx, done: done, deadline: now})
	r.armCommitTimerLocked(tx.id)
	r.broadcastUpdateLocked()
}

// forwardCommitLocked is the follower side: stage any write durably, then
// ship the transaction to the leader as a CommitRequest.
func (r *Raft) forwardCommitLocked(tx *Transaction, done chan error) {
	writes := tx.view.writes()
	readOnly := len(writes) == 0 && tx.configChange == nil
	readKeys, readRanges := tx.view.trackedReads()

	var writeBytes []byte
	if !readOnly && len(writes) > 0 {
		wb, err := encodeWrites(writes)
		if err != nil {
			tx.state = TxClosed
			done <- err
			return
		}
		if err := r.stageLocalWriteLocked(tx.id, wb); err != nil {
			tx.state = TxClosed
			done <- err
			return
		}
		writeBytes = wb
	}

	tx.state = TxCommitWaiting
	r.forwardedCommits[tx.id] = &forwardState{tx: tx, done: done, writeBytes: writeBytes}
	r.armCommitTimerLocked(tx.id)

	r.transport.Send(r.leaderID, &CommitRequest{
		Header:        r.headerTo(r.leaderID, MsgCommitRequest),
		TxID:          tx.id,
		BaseTerm:      tx.baseTerm,
		BaseIndex:     tx.baseIndex,
		ReadKeys:      readKeys,
		ReadRanges:    readRanges,
		MutationBytes: writeBytes,
		ConfigChange:  tx.configChange,
		ReadOnly:      readOnly,
	})
}

// handleCommitRequestLocked is the leader's handling of a transaction a
// follower forwarded on a client's behalf.
func (r *Raft) handleCommitRequestLocked(m *CommitRequest) {
	if r.role != RoleLeader {
		r.replyCommitFailureLocked(m.SenderID, m.TxID, ErrNotLeader)
		return
	}

	if err := r.checkConflictsBaseLocked(m.BaseIndex, m.ReadKeys, m.ReadRanges); err != nil {
		r.replyCommitFailureLocked(m.SenderID, m.TxID, err)
		return
	}

	if m.ReadOnly {
		timeout := r.leaseTimeoutLocked()
		now := nowMillis()
		if timeout > now {
			r.transport.Send(m.SenderID, &CommitResponse{
				Header:          r.headerTo(m.SenderID, MsgCommitResponse),
				TxID:            m.TxID,
				Success:         true,
				MinLeaseTimeout: timeout,
			})
			return
		}
		// Lease isn't confirmed fresh yet. Success:false with an empty
		// ErrClass tells the follower this is a pending verdict, not a
		// terminal failure; a second, final CommitResponse follows once
		// resolveLeaseWaitersLocked's remote branch fires.
		r.transport.Send(m.SenderID, &CommitResponse{
			Header:  r.headerTo(m.SenderID, MsgCommitResponse),
			TxID:    m.TxID,
			Success: false,
		})
		r.remoteLeaseWaiters = append(r.remoteLeaseWaiters, &remoteLeaseWaiter{
			requesterID: m.SenderID,
			txID:        m.TxID,
			baseTerm:    m.BaseTerm,
			baseIndex:   m.BaseIndex,
			deadline:    now,
		})
		r.broadcastUpdateLocked()
		return
	}

	if m.ConfigChange != nil {
		if r.configChangePending {
			r.replyCommitFailureLocked(m.SenderID, m.TxID, ErrConfigChangePending)
			return
		}
		if m.ConfigChange.Type == ConfigRemoveNode && len(r.clusterConfig) <= 1 {
			r.replyCommitFailureLocked(m.SenderID, m.TxID, ErrSoleMember)
			return
		}
	}

	configBytes, err := encodeConfigChange(m.ConfigChange)
	if err != nil {
		r.replyCommitFailureLocked(m.SenderID, m.TxID, err)
		return
	}

	e, err := r.appendEntryLocked(m.MutationBytes, configBytes)
	if err != nil {
		r.replyCommitFailureLocked(m.SenderID, m.TxID, err)
		return
	}
	// The requester already has these mutation bytes durably staged; the
	// leader's own replication of this entry back to that one peer can
	// skip resending them.
	if p, ok := r.peers[m.SenderID]; ok && len(m.MutationBytes) > 0 {
		p.markSkipData(e.Index)
	}

	r.pendingCommits[e.Index] = &pendingCommit{requesterID: m.SenderID, txID: m.TxID}
	if m.ConfigChange != nil {
		r.configChangePending = true
		r.configChangeTxID = m.TxID
		if m.ConfigChange.Type == ConfigAddNode {
			r.onConfigChangeAppendedLocked(m.ConfigChange)
		}
	}

	r.broadcastUpdateLocked()
	if len(r.clusterConfig) == 1 {
		r.tryAdvanceCommitIndexLocked()
	}
}

func (r *Raft) replyCommitFailureLocked(requesterID string, txID uint64, err error) {
	r.transport.Send(requesterID, &CommitResponse{
		Header:     r.headerTo(requesterID, MsgCommitResponse),
		TxID:       txID,
		Success:    false,
		ErrClass:   classifyRemoteError(err),
		ErrMessage: err.Error(),
	})
}

// handleCommitResponseLocked is the forwarding follower's handling of the
// leader's verdict on a CommitRequest it sent earlier.
func (r *Raft) handleCommitResponseLocked(m *CommitResponse) {
	fwd, ok := r.forwardedCommits[m.TxID]
	if !ok {
		return
	}

	if m.Success {
		if m.CommitIndex != 0 || m.CommitTerm != 0 {
			// A write/config-change was accepted; completion happens once
			// this node's own replicated copy of that entry applies, via
			// resolveForwardedAtLocked.
			fwd.tx.commitTerm = m.CommitTerm
			fwd.tx.commitIndex = m.CommitIndex
			return
		}
		// A read-only request the leader's lease was already fresh enough
		// to answer immediately.
		fwd.tx.state = TxCompleted
		fwd.done <- nil
		delete(r.forwardedCommits, m.TxID)
		r.timers.remove(commitTimerName(m.TxID))
		r.cleanupStagedWriteLocked(m.TxID)
		return
	}

	if m.ErrClass == "" {
		// Pending: the leader's lease wasn't fresh yet and will send a
		// second, final CommitResponse once it is. Keep waiting.
		return
	}

	fwd.tx.state = TxClosed
	fwd.done <- errorFromClass(m.ErrClass, m.ErrMessage)
	delete(r.forwardedCommits, m.TxID)
	r.timers.remove(commitTimerName(m.TxID))
	r.cleanupStagedWriteLocked(m.TxID)
}

// stageLocalWriteLocked durably fsyncs a forwarded write's mutation bytes
// to a temp file in the log directory's pending/ subdirectory before the CommitRequest goes
// out, and queues the bytes in memory so this node's own replicated copy
// of the entry (which the leader's skip-data optimization will arrive
// without a payload) can be satisfied without reading the file back.
func (r *Raft) stageLocalWriteLocked(txID uint64, data []byte) error {
	dir := filepath.Join(r.log.Dir(), "pending")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("raft: stage pending write: %w", err)
	}
	final := filepath.Join(dir, fmt.Sprintf("tx-%d.bin", txID))
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("raft: stage pending write: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("raft: stage pending write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("raft: stage pending write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("raft: stage pending write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("raft: stage pending write: %w", err)
	}

	if r.pendingWriteFiles == nil {
		r.pendingWriteFiles = make(map[uint64]string)
	}
	r.pendingWriteFiles[txID] = final
	r.pendingWrites = append(r.pendingWrites, data)
	return nil
}

func (r *Raft) cleanupStagedWriteLocked(txID uint64) {
	path, ok := r.pendingWriteFiles[txID]
	if !ok {
		return
	}
	delete(r.pendingWriteFiles, txID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Printf("[%s] failed to remove staged write %s: %v", r.id, path, err)
	}
}

// armCommitTimerLocked bounds how long a transaction may sit waiting on
// any of the four registries a commit can be pending in.
func (r *Raft) armCommitTimerLocked(txID uint64) {
	if r.cfg.CommitTimeout <= 0 {
		return
	}
	r.timers.get(commitTimerName(txID)).Reset(r.cfg.CommitTimeout, func(token uint64) {
		r.scheduler.submit("", func() { r.onCommitTimeoutLocked(txID, token) })
	})
}

// onCommitTimeoutLocked scans every registry a pending transaction could
// be sitting in and fails it with ErrRetryTransaction (wrapping
// ErrTimeout), rather than requiring each call site to know which
// registry its own transaction landed in.
func (r *Raft) onCommitTimeoutLocked(txID uint64, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || !r.timers.get(commitTimerName(txID)).ValidToken(token) {
		return
	}
	timeoutErr := fmt.Errorf("%w: %w", ErrRetryTransaction, ErrTimeout)

	if pl, ok := r.candidateWaiting[txID]; ok {
		delete(r.candidateWaiting, txID)
		pl.tx.state = TxClosed
		pl.done <- timeoutErr
		return
	}
	if fwd, ok := r.forwardedCommits[txID]; ok {
		delete(r.forwardedCommits, txID)
		fwd.tx.state = TxClosed
		fwd.done <- timeoutErr
		r.cleanupStagedWriteLocked(txID)
		return
	}
	for idx, pc := range r.pendingCommits {
		if pc.tx != nil && pc.tx.id == txID {
			delete(r.pendingCommits, idx)
			pc.tx.state = TxClosed
			pc.done <- timeoutErr
			return
		}
	}
	for i, w := range r.leaseWaiters {
		if w.tx.id == txID {
			r.leaseWaiters = append(r.leaseWaiters[:i], r.leaseWaiters[i+1:]...)
			w.tx.state = TxClosed
			w.done <- timeoutErr
			return
		}
	}
}

// errClassTable maps the sentinel errors a commit can fail with to short
// wire-safe codes, so a follower relaying the leader's verdict back to its
// own caller doesn't have to re-derive which sentinel applies.
var errClassTable = []struct {
	class    string
	sentinel error
}{
	{"not_leader", ErrNotLeader},
	{"no_leader", ErrNoLeader},
	{"retry", ErrRetryTransaction},
	{"stale", ErrStaleTransaction},
	{"timeout", ErrTimeout},
	{"node_stopped", ErrNodeStopped},
	{"config_pending", ErrConfigChangePending},
	{"sole_member", ErrSoleMember},
	{"membership_disabled", ErrMembershipChangeDisabled},
	{"unknown_peer", ErrUnknownPeer},
	{"protocol", ErrProtocol},
}

func classifyRemoteError(err error) string {
	for _, c := range errClassTable {
		if errors.Is(err, c.sentinel) {
			return c.class
		}
	}
	return "internal"
}

func errorFromClass(class, message string) error {
	for _, c := range errClassTable {
		if c.class == class {
			return c.sentinel
		}
	}
	if message != "" {
		return fmt.Errorf("raft: remote error: %s", message)
	}
	return ErrRetryTransaction
}
