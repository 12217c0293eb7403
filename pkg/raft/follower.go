package raft

import (
	"fmt"
	"time"

	"github.com/raftkv/raftdb/pkg/store"
)

// becomeFollowerLocked transitions to the follower role, failing every
// transaction this node had in flight as leader/candidate (they can no
// longer make progress locally) and arming the election timer.
func (r *Raft) becomeFollowerLocked(leaderID string) {
	wasLeader := r.role == RoleLeader
	r.role = RoleFollower
	if leaderID != "" {
		r.leaderID = leaderID
		r.lastLeaderContact = time.Now()
	}
	r.votesReceived = make(map[string]bool)

	if wasLeader {
		r.heartbeatTimer = nil
		for _, p := range r.peers {
			p.updateTimer.Stop()
		}
		r.peers = make(map[string]*peer)
		r.failAllPendingLocked(fmt.Errorf("%w: %w", ErrRetryTransaction, ErrNotLeader))
	}

	r.resetElectionTimerLocked()
}

func (r *Raft) failAllPendingLocked(err error) {
	for idx, pc := range r.pendingCommits {
		if pc.tx != nil {
			pc.tx.state = TxClosed
			pc.done <- err
			r.timers.remove(commitTimerName(pc.tx.id))
		} else {
			// This entry is a follower's forwarded request this node was
			// processing as leader; relay the failure back over the wire
			// instead of a local channel.
			r.transport.Send(pc.requesterID, &CommitResponse{
				Header:     r.headerTo(pc.requesterID, MsgCommitResponse),
				TxID:       pc.txID,
				Success:    false,
				ErrClass:   classifyRemoteError(err),
				ErrMessage: err.Error(),
			})
		}
		delete(r.pendingCommits, idx)
	}
	for id, fwd := range r.forwardedCommits {
		fwd.tx.state = TxClosed
		fwd.done <- err
		delete(r.forwardedCommits, id)
		r.timers.remove(commitTimerName(id))
		r.cleanupStagedWriteLocked(id)
	}
	for id, pl := range r.candidateWaiting {
		pl.tx.state = TxClosed
		pl.done <- err
		delete(r.candidateWaiting, id)
	}
	for _, w := range r.leaseWaiters {
		w.tx.state = TxClosed
		w.done <- err
		r.timers.remove(commitTimerName(w.tx.id))
	}
	r.leaseWaiters = nil
	for _, rw := range r.remoteLeaseWaiters {
		r.transport.Send(rw.requesterID, &CommitResponse{
			Header:     r.headerTo(rw.requesterID, MsgCommitResponse),
			TxID:       rw.txID,
			Success:    false,
			ErrClass:   classifyRemoteError(err),
			ErrMessage: err.Error(),
		})
	}
	r.remoteLeaseWaiters = nil
}

// onElectionTimeout fires when no AppendRequest/heartbeat has been heard
// from a leader for a full randomized election timeout.
func (r *Raft) onElectionTimeout(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.electionTimer.ValidToken(token) || r.stopped {
		return
	}
	if r.role == RoleLeader {
		return
	}
	if r.cfg.FollowerProbingEnabled && !r.probing {
		r.beginProbeLocked()
		return
	}
	r.startElectionLocked()
}

// handleAppendRequestLocked implements the follower side of log
// replication: reject stale terms, reject a mismatched PrevLogIndex/Term
// with a ConflictIndex/ConflictTerm the leader can use to skip an entire
// bad term at once, otherwise splice the entry in and advance commitIndex.
func (r *Raft) handleAppendRequestLocked(m *AppendRequest) *AppendResponse {
	resp := &AppendResponse{Header: r.headerTo(m.SenderID, MsgAppendResponse), LeaderTimestamp: m.LeaderTimestamp}

	if m.Term < r.currentTerm {
		resp.Success = false
		resp.MatchIndex = r.getLastLogIndexLocked()
		return resp
	}

	r.leaderID = m.SenderID
	r.lastLeaderContact = time.Now()
	if r.role != RoleFollower {
		r.becomeFollowerLocked(m.SenderID)
	} else {
		r.resetElectionTimerLocked()
	}
	r.drainCandidateWaitingLocked()

	if m.PrevLogIndex > 0 {
		if m.PrevLogIndex > r.getLastLogIndexLocked() {
			resp.Success = false
			resp.ConflictIndex = r.getLastLogIndexLocked() + 1
			resp.ConflictTerm = 0
			return resp
		}
		localTerm := r.termAtLocked(m.PrevLogIndex)
		if localTerm != m.PrevLogTerm {
			resp.Success = false
			resp.ConflictTerm = localTerm
			resp.ConflictIndex = r.firstIndexOfTermLocked(localTerm)
			return resp
		}
	}

	if m.HasEntry {
		writes := m.MutationBytes
		if m.SkipData {
			if pending, ok := r.consumePendingWriteLocked(m.PrevLogIndex + 1); ok {
				writes = pending
			} else {
				r.logger.Printf("[%s] skip-data AppendRequest at %d with no staged write queued", r.id, m.PrevLogIndex+1)
			}
		}
		configChangeBytes, _ := encodeConfigChange(m.ConfigChange)

		existingIndex := m.PrevLogIndex + 1
		if e, ok := r.entryAtLocked(existingIndex); ok {
			if e.Term != m.EntryTerm {
				if err := r.log.Delete(existingIndex); err != nil {
					r.logger.Printf("[%s] failed to truncate log at %d: %v", r.id, existingIndex, err)
				}
				r.tail = r.tail[:existingIndex-r.lastAppliedIndex-1]
			} else {
				resp.Success = true
				resp.MatchIndex = existingIndex
				r.maybeAdvanceFollowerCommitLocked(m.LeaderCommit)
				return resp
			}
		}

		r.currentTerm = m.Term
		if _, err := r.appendEntryLocked(writes, configChangeBytes); err != nil {
			r.logger.Printf("[%s] failed to append entry %d: %v", r.id, existingIndex, err)
			resp.Success = false
			return resp
		}
		resp.MatchIndex = existingIndex
	} else {
		resp.MatchIndex = m.PrevLogIndex
	}

	resp.Success = true
	r.maybeAdvanceFollowerCommitLocked(m.LeaderCommit)
	return resp
}

func (r *Raft) firstIndexOfTermLocked(term uint64) uint64 {
	for _, e := range r.tail {
		if e.Term == term {
			return e.Index
		}
	}
	return r.lastAppliedIndex + 1
}

// maybeAdvanceFollowerCommitLocked applies the leader's advertised commit
// index, bounded by what this follower actually has on disk.
func (r *Raft) maybeAdvanceFollowerCommitLocked(leaderCommit uint64) {
	if leaderCommit <= r.commitIndex {
		return
	}
	last := r.getLastLogIndexLocked()
	if leaderCommit < last {
		r.commitIndex = leaderCommit
	} else {
		r.commitIndex = last
	}
	r.applyCommittedLocked()
}

// applyConfigChangeLocked updates the in-memory cluster configuration as a
// config-change entry is applied, on every role.
func (r *Raft) applyConfigChangeLocked(cc *ConfigChange) {
	switch cc.Type {
	case ConfigAddNode:
		r.clusterConfig[cc.NodeID] = cc.Address
		if cc.NodeID != r.id {
			if aa, ok := r.transport.(AddressAware); ok {
				aa.SetPeer(cc.NodeID, cc.Address)
			}
		}
		if r.role == RoleLeader {
			if _, ok := r.peers[cc.NodeID]; !ok && cc.NodeID != r.id {
				r.peers[cc.NodeID] = newPeer(cc.NodeID, cc.Address, r.getLastLogIndexLocked()+1)
			}
		}
	case ConfigRemoveNode:
		delete(r.clusterConfig, cc.NodeID)
		if aa, ok := r.transport.(AddressAware); ok {
			aa.RemovePeer(cc.NodeID)
		}
		if r.role == RoleLeader {
			if p, ok := r.peers[cc.NodeID]; ok {
				p.updateTimer.Stop()
				delete(r.peers, cc.NodeID)
			}
		}
		if cc.NodeID == r.id {
			r.becomeFollowerLocked("")
		}
	}
	r.configChangePending = false
}

// drainCandidateWaitingLocked replays or forwards any transaction whose
// Commit was submitted while no leader was known, now that one is (or this
// node has become the leader itself).
func (r *Raft) drainCandidateWaitingLocked() {
	if len(r.candidateWaiting) == 0 {
		return
	}
	for id, pl := range r.candidateWaiting {
		switch {
		case r.role == RoleLeader:
			delete(r.candidateWaiting, id)
			r.leaderCommitLocked(pl.tx, pl.done)
		case r.role == RoleFollower && r.leaderID != "":
			delete(r.candidateWaiting, id)
			r.forwardCommitLocked(pl.tx, pl.done)
		}
	}
}

// handleInstallSnapshotLocked applies one chunk of an inbound snapshot
// stream: the first chunk (PairIndex 0, or an unknown stream) clears the
// local state machine, each chunk's pairs are written to the store as it
// arrives, and the final chunk discards the local log and adopts the
// snapshot's coordinates and configuration.
func (r *Raft) handleInstallSnapshotLocked(m *InstallSnapshot) *InstallSnapshotResponse {
	resp := &InstallSnapshotResponse{
		Header:    r.headerTo(m.SenderID, MsgInstallSnapshotResponse),
		StreamID:  m.StreamID,
		PairIndex: m.PairIndex,
	}

	r.leaderID = m.SenderID
	r.lastLeaderContact = time.Now()
	if r.role != RoleFollower {
		r.becomeFollowerLocked(m.SenderID)
	} else {
		r.resetElectionTimerLocked()
	}

	// A snapshot that doesn't move us past what we've already committed
	// is stale (a retried or superseded stream, or one for an index we
	// caught up to through ordinary replication); installing it would
	// move lastAppliedIndex backward.
	if m.SnapshotIndex <= r.commitIndex {
		delete(r.snapshotReceives, m.StreamID)
		resp.Success = false
		return resp
	}

	recv, ok := r.snapshotReceives[m.StreamID]
	if !ok || m.PairIndex == 0 {
		// PairIndex 0 always supersedes any in-progress install for this
		// stream: start over and discard whatever the previous attempt
		// had already applied to the state machine.
		if err := r.store.RemoveRange(stateMachinePrefix); err != nil {
			r.logger.Printf("[%s] snapshot stream %s: clear state machine: %v", r.id, m.StreamID, err)
			resp.Success = false
			return resp
		}
		recv = newSnapshotReceive(m.StreamID, m.SenderID, m.SnapshotIndex, m.SnapshotTerm)
		if len(m.SnapshotConfig) > 0 {
			recv.config = m.SnapshotConfig.clone()
		}
		r.snapshotReceives[m.StreamID] = recv
	}

	if m.PairIndex != recv.nextPair {
		// Out of order or a retried chunk we've already applied; ack what
		// we actually have so the sender's pipelining window recovers.
		resp.Success = true
		resp.PairIndex = recv.nextPair - 1
		return resp
	}

	pairs := make([]store.KV, 0)
	if err := readLengthPrefixedPairs(m.Data, func(key, value []byte) error {
		pairs = append(pairs, store.KV{
			Key:   append(append([]byte(nil), stateMachinePrefix...), key...),
			Value: append([]byte(nil), value...),
		})
		return nil
	}); err != nil {
		r.logger.Printf("[%s] snapshot stream %s: %v", r.id, m.StreamID, err)
		resp.Success = false
		return resp
	}
	if len(pairs) > 0 {
		if err := r.store.Mutate(pairs, false); err != nil {
			r.logger.Printf("[%s] snapshot stream %s: apply chunk: %v", r.id, m.StreamID, err)
			resp.Success = false
			return resp
		}
	}
	recv.nextPair++

	if m.LastChunk {
		if err := r.installSnapshotMetadataLocked(recv); err != nil {
			r.logger.Printf("[%s] snapshot stream %s: %v", r.id, m.StreamID, err)
			resp.Success = false
			return resp
		}
		recv.installed = true
		delete(r.snapshotReceives, m.StreamID)
	}

	resp.Success = true
	return resp
}

// installSnapshotMetadataLocked discards any log entries the snapshot
// supersedes and adopts the snapshot's commit coordinates and cluster
// configuration as the new applied baseline.
func (r *Raft) installSnapshotMetadataLocked(recv *snapshotReceive) error {
	if err := r.log.Delete(0); err != nil {
		return fmt.Errorf("raft: truncate log for snapshot install: %w", err)
	}
	r.tail = nil
	r.lastAppliedTerm = recv.term
	r.lastAppliedIndex = recv.index
	if r.commitIndex < recv.index {
		r.commitIndex = recv.index
	}
	if len(recv.config) > 0 {
		r.clusterConfig = recv.config
	}
	r.persistAppliedMetaLocked()
	return nil
}

// consumePendingWriteLocked pops the oldest staged write this node
// forwarded to the leader. index is accepted for documentation purposes
// only: because a peer's entries replicate back to it strictly in log
// order, and skip-data is only ever marked for the peer that originated
// the write, the queue's head is always the matching write.
func (r *Raft) consumePendingWriteLocked(index uint64) ([]byte, bool) {
	if len(r.pendingWrites) == 0 {
		return nil, false
	}
	w := r.pendingWrites[0]
	r.pendingWrites = r.pendingWrites[1:]
	return w, true
}
