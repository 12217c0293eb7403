package raft

import (
	"sort"
	"time"
)

// nowMillis is the leader-lease clock: milliseconds since the Unix epoch,
// monotonic enough for comparing against values piggybacked over the wire.
func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// becomeLeaderLocked transitions to the leader role: it re-initializes
// per-follower replication state from scratch, bootstraps a cluster id if
// this node is founding a brand new cluster, commits the term's mandatory
// no-op entry (Raft 5.4.2), and starts driving every follower.
func (r *Raft) becomeLeaderLocked() {
	r.role = RoleLeader
	r.leaderID = r.id
	r.leaderStartTimestamp = nowMillis()
	r.electionTimer.Stop()
	r.probing = false
	r.probeAcks = nil
	if r.probeDeadlineTimer != nil {
		r.probeDeadlineTimer.Stop()
	}

	if r.clusterID == 0 {
		r.clusterID = randomClusterID()
		if err := r.persistClusterID(); err != nil {
			r.logger.Printf("[%s] failed to persist cluster id: %v", r.id, err)
		}
	}

	r.logger.Printf("[%s] became leader for term %d", r.id, r.currentTerm)

	lastIndex := r.getLastLogIndexLocked()
	r.peers = make(map[string]*peer)
	for id, addr := range r.clusterConfig {
		if id == r.id {
			continue
		}
		r.peers[id] = newPeer(id, addr, lastIndex+1)
	}

	// Skip the no-op for a brand new single-node cluster with an empty
	// log: there is no prior leader's ambiguous entry to recommit, and
	// appending one would just delay the very first write.
	if !(len(r.clusterConfig) == 1 && lastIndex == 0) {
		if _, err := r.appendEntryLocked(nil, nil); err != nil {
			r.logger.Printf("[%s] failed to append no-op entry: %v", r.id, err)
		}
	}

	for _, p := range r.peers {
		r.startFollowerUpdateTimerLocked(p)
		r.sendFollowerUpdateLocked(p)
	}

	r.drainCandidateWaitingLocked()

	if len(r.clusterConfig) == 1 {
		r.tryAdvanceCommitIndexLocked()
	}
}

// onConfigChangeAppendedLocked creates replication state for a newly added
// peer as soon as its membership entry is appended, rather than waiting
// for it to commit, so the leader starts replicating to it immediately.
// Removal and self-removal stay apply-time events, handled entirely by
// applyConfigChangeLocked.
func (r *Raft) onConfigChangeAppendedLocked(cc *ConfigChange) {
	if cc.Type != ConfigAddNode || cc.NodeID == r.id {
		return
	}
	if _, ok := r.peers[cc.NodeID]; ok {
		return
	}
	p := newPeer(cc.NodeID, cc.Address, r.getLastLogIndexLocked()+1)
	r.peers[cc.NodeID] = p
	r.startFollowerUpdateTimerLocked(p)
	r.scheduleFollowerUpdateLocked(p)
}

func (r *Raft) startFollowerUpdateTimerLocked(p *peer) {
	p.updateTimer.Reset(r.cfg.HeartbeatInterval, func(token uint64) {
		r.scheduler.submit("follower-tick-"+p.id, func() { r.onFollowerTimer(p.id, token) })
	})
}

func (r *Raft) onFollowerTimer(peerID string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.role != RoleLeader {
		return
	}
	p, ok := r.peers[peerID]
	if !ok || !p.updateTimer.ValidToken(token) {
		return
	}
	r.sendFollowerUpdateLocked(p)
	r.startFollowerUpdateTimerLocked(p)
}

// scheduleFollowerUpdateLocked pushes an update to one follower outside
// the regular heartbeat cadence (e.g. right after a new entry is
// appended), coalesced by peer id so a burst of appends doesn't flood it
// with redundant sends.
func (r *Raft) scheduleFollowerUpdateLocked(p *peer) {
	r.scheduler.submit("follower-update-"+p.id, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.stopped || r.role != RoleLeader {
			return
		}
		if cur, ok := r.peers[p.id]; ok && cur == p {
			r.sendFollowerUpdateLocked(p)
		}
	})
}

func (r *Raft) broadcastUpdateLocked() {
	for _, p := range r.peers {
		r.scheduleFollowerUpdateLocked(p)
	}
}

// sendFollowerUpdateLocked builds and sends the single next message for
// one follower: a snapshot chunk if one is in flight, a bare AppendRequest
// ("Probe", 4.5) with no payload entry if the follower's log position
// isn't known to be synced yet, or the next pipelined entry/heartbeat
// otherwise. This is the leader-side probe, unrelated to the
// candidate/follower pre-election probing round in candidate.go, which
// uses PingRequest/PingResponse instead.
func (r *Raft) sendFollowerUpdateLocked(p *peer) {
	if p.snapshotStream != nil {
		r.sendSnapshotChunkLocked(p)
		return
	}

	var prevTerm uint64
	if p.nextIndex > 1 {
		prevIndex := p.nextIndex - 1
		if prevIndex == r.lastAppliedIndex {
			prevTerm = r.lastAppliedTerm
		} else if e, ok := r.log.Get(prevIndex); ok {
			prevTerm = e.Term
		} else {
			r.startSnapshotTransferLocked(p)
			return
		}
	}

	req := &AppendRequest{
		Header:             r.headerTo(p.id, MsgAppendRequest),
		LeaderTimestamp:    nowMillis(),
		LeaderCommit:       r.commitIndex,
		LeaderLeaseTimeout: r.leaseTimeoutLocked(),
		PrevLogIndex:       p.nextIndex - 1,
		PrevLogTerm:        prevTerm,
	}

	if !p.synced {
		req.HasEntry = false
		r.transport.Send(p.id, req)
		return
	}

	lastIndex := r.getLastLogIndexLocked()
	if p.nextIndex <= lastIndex {
		e, ok := r.log.Get(p.nextIndex)
		if !ok {
			r.startSnapshotTransferLocked(p)
			return
		}
		req.HasEntry = true
		req.EntryTerm = e.Term
		if p.consumeSkipData(e.Index) {
			req.SkipData = true
		} else {
			req.MutationBytes = e.Writes
		}
		if len(e.ConfigChange) > 0 {
			if cc, err := decodeConfigChange(e.ConfigChange); err == nil {
				req.ConfigChange = cc
			}
		}
	}

	r.transport.Send(p.id, req)
}

func (r *Raft) startSnapshotTransferLocked(p *peer) {
	if p.snapshotStream != nil {
		return
	}
	snap := &prefixedSnapshot{base: r.store.Snapshot(), prefix: stateMachinePrefix}
	p.snapshotStream = newSnapshotTransmit(p.id, snap, r.lastAppliedIndex, r.lastAppliedTerm, r.clusterConfig, r.cfg.SnapshotChunkSize)
	r.sendSnapshotChunkLocked(p)
}

func (r *Raft) sendSnapshotChunkLocked(p *peer) {
	st := p.snapshotStream
	if st == nil {
		return
	}
	msg := st.nextChunk(nil)
	if msg == nil {
		return
	}
	msg.Header = r.headerTo(p.id, MsgInstallSnapshot)
	r.transport.Send(p.id, msg)
}

func (r *Raft) handleInstallSnapshotResponseLocked(m *InstallSnapshotResponse) {
	if r.role != RoleLeader {
		return
	}
	p, ok := r.peers[m.SenderID]
	if !ok || p.snapshotStream == nil || p.snapshotStream.streamID != m.StreamID {
		return
	}
	if !m.Success {
		p.snapshotStream = nil
		r.scheduleFollowerUpdateLocked(p)
		return
	}

	st := p.snapshotStream
	if st.done {
		p.snapshotStream = nil
		p.matchIndex = st.index
		p.nextIndex = st.index + 1
		p.synced = true
		r.scheduleFollowerUpdateLocked(p)
		return
	}
	r.sendSnapshotChunkLocked(p)
}

// handleAppendResponseLocked advances a follower's replication state on
// success, or backs nextIndex off using the follower's ConflictTerm/
// ConflictIndex hint so an entire stale term can be skipped in one round
// trip instead of decrementing one entry at a time.
func (r *Raft) handleAppendResponseLocked(m *AppendResponse) {
	if r.role != RoleLeader {
		return
	}
	p, ok := r.peers[m.SenderID]
	if !ok {
		return
	}
	p.lastAckAt = time.Now()
	p.leaderTimestamp = m.LeaderTimestamp

	if !m.Success {
		switch {
		case m.ConflictTerm != 0:
			if idx := r.lastIndexOfTermLocked(m.ConflictTerm); idx > 0 {
				p.nextIndex = idx + 1
			} else {
				p.nextIndex = m.ConflictIndex
			}
		case m.ConflictIndex > 0:
			p.nextIndex = m.ConflictIndex
		case p.nextIndex > 1:
			p.nextIndex--
		}
		p.synced = false
		r.scheduleFollowerUpdateLocked(p)
		return
	}

	p.synced = true
	if m.MatchIndex > p.matchIndex {
		p.matchIndex = m.MatchIndex
	}
	p.nextIndex = p.matchIndex + 1

	r.tryAdvanceCommitIndexLocked()
	r.resolveLeaseWaitersLocked()

	if p.nextIndex <= r.getLastLogIndexLocked() {
		r.scheduleFollowerUpdateLocked(p)
	}
}

// lastIndexOfTermLocked returns the highest index still held (in the tail
// or as the last-applied entry) whose term is exactly term, or 0 if none.
func (r *Raft) lastIndexOfTermLocked(term uint64) uint64 {
	var found uint64
	for _, e := range r.tail {
		if e.Term == term {
			found = e.Index
		} else if e.Term > term {
			break
		}
	}
	if found > 0 {
		return found
	}
	if r.lastAppliedTerm == term {
		return r.lastAppliedIndex
	}
	return 0
}

// leaseTimeoutLocked computes how long this leader can trust its own
// lease without a fresh round of acks: the median of every peer's last
// acked LeaderTimestamp (with this node's own clock counted as always
// fresh), pushed out by the minimum election timeout shrunk by the
// configured clock drift allowance. Returns 0 ("expired"/unknown) until a
// quorum of peers has acked at least once.
func (r *Raft) leaseTimeoutLocked() int64 {
	if r.role != RoleLeader {
		return 0
	}
	acks := make([]int64, 0, len(r.peers)+1)
	acks = append(acks, nowMillis())
	for _, p := range r.peers {
		if p.leaderTimestamp > 0 {
			acks = append(acks, p.leaderTimestamp)
		}
	}
	if len(acks) < r.quorumSizeLocked() {
		return 0
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i] < acks[j] })
	median := acks[len(acks)/2]
	bonus := time.Duration(float64(r.cfg.ElectionTimeoutMin) * (1 - r.cfg.MaxClockDrift))
	return median + bonus.Milliseconds()
}

// resolveLeaseWaitersLocked is called whenever the lease timeout may have
// advanced (after applying entries, or after a fresh round of acks): it
// completes any local or remote read-only transaction whose wait began
// before the lease was last confirmed fresh.
func (r *Raft) resolveLeaseWaitersLocked() {
	if len(r.leaseWaiters) == 0 && len(r.remoteLeaseWaiters) == 0 {
		return
	}
	timeout := r.leaseTimeoutLocked()
	if timeout == 0 {
		return
	}

	var remaining []*leaseWaiter
	for _, w := range r.leaseWaiters {
		if timeout > w.deadline {
			w.tx.state = TxCompleted
			w.done <- nil
			r.timers.remove(commitTimerName(w.tx.id))
		} else {
			remaining = append(remaining, w)
		}
	}
	r.leaseWaiters = remaining

	var remainingRemote []*remoteLeaseWaiter
	for _, rw := range r.remoteLeaseWaiters {
		if timeout > rw.deadline {
			r.transport.Send(rw.requesterID, &CommitResponse{
				Header:          r.headerTo(rw.requesterID, MsgCommitResponse),
				TxID:            rw.txID,
				Success:         true,
				MinLeaseTimeout: timeout,
			})
		} else {
			remainingRemote = append(remainingRemote, rw)
		}
	}
	r.remoteLeaseWaiters = remainingRemote
}
