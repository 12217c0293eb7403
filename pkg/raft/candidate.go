package raft

import "time"

// startElectionLocked converts this node to a candidate for a fresh term
// and solicits votes from every other member. A lone-member cluster wins
// its own election immediately, with no peer to wait on.
func (r *Raft) startElectionLocked() {
	r.role = RoleCandidate
	r.currentTerm++
	r.votedFor = r.id
	r.votesReceived = map[string]bool{r.id: true}
	if err := r.persistTermAndVote(); err != nil {
		r.logger.Printf("[%s] failed to persist term/vote: %v", r.id, err)
	}
	r.leaderID = ""
	r.resetElectionTimerLocked()

	r.logger.Printf("[%s] starting election for term %d", r.id, r.currentTerm)

	lastIndex := r.getLastLogIndexLocked()
	lastTerm := r.getLastLogTermLocked()
	for id := range r.clusterConfig {
		if id == r.id {
			continue
		}
		r.transport.Send(id, &RequestVote{
			Header:       r.headerTo(id, MsgRequestVote),
			LastLogIndex: lastIndex,
			LastLogTerm:  lastTerm,
		})
	}

	if len(r.votesReceived) >= r.quorumSizeLocked() {
		r.becomeLeaderLocked()
	}
}

// handleRequestVoteLocked implements the voting rule (5.2/5.4): deny a
// vote if a leader has been heard from recently (anti-disruption, so a
// partitioned-then-rejoining node can't force a pointless election), deny
// a stale term, otherwise grant once per term to whichever candidate asks
// first with a log at least as up to date as this node's own.
func (r *Raft) handleRequestVoteLocked(m *RequestVote) *GrantVote {
	if r.leaderID != "" && m.SenderID != r.leaderID && time.Since(r.lastLeaderContact) < r.cfg.ElectionTimeoutMin {
		return nil
	}
	if m.Term < r.currentTerm {
		return nil
	}
	if (r.votedFor == "" || r.votedFor == m.SenderID) && r.isLogUpToDateLocked(m.LastLogIndex, m.LastLogTerm) {
		r.votedFor = m.SenderID
		if err := r.persistTermAndVote(); err != nil {
			r.logger.Printf("[%s] failed to persist term/vote: %v", r.id, err)
		}
		r.resetElectionTimerLocked()
		return &GrantVote{Header: r.headerTo(m.SenderID, MsgGrantVote)}
	}
	return nil
}

// handleGrantVoteLocked tallies a vote granted for the current election,
// becoming leader the instant a quorum is reached.
func (r *Raft) handleGrantVoteLocked(m *GrantVote) {
	if r.role != RoleCandidate || m.Term != r.currentTerm {
		return
	}
	r.votesReceived[m.SenderID] = true
	if len(r.votesReceived) >= r.quorumSizeLocked() {
		r.becomeLeaderLocked()
	}
}

// beginProbeLocked implements the pre-election probing round (4.3): before
// disrupting the cluster with a new term, ping every peer and only start
// an election if a majority fail to answer within a short deadline,
// letting a reachable leader's own heartbeats win the race instead.
func (r *Raft) beginProbeLocked() {
	r.probing = true
	r.probeAcks = map[string]bool{r.id: true}
	for id := range r.clusterConfig {
		if id == r.id {
			continue
		}
		r.transport.Send(id, &PingRequest{Header: r.headerTo(id, MsgPingRequest), Timestamp: nowMillis()})
	}
	if r.probeDeadlineTimer == nil {
		r.probeDeadlineTimer = &guardedTimer{}
	}
	deadline := r.cfg.ElectionTimeoutMin / 2
	r.probeDeadlineTimer.Reset(deadline, func(token uint64) {
		r.scheduler.submit("", func() { r.onProbeDeadline(token) })
	})
}

func (r *Raft) onProbeDeadline(token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || !r.probing || r.probeDeadlineTimer == nil || !r.probeDeadlineTimer.ValidToken(token) {
		return
	}
	r.endProbeLocked()
}

// maybeEndProbeLocked ends the probe as soon as a majority has answered,
// rather than always waiting out the full deadline.
func (r *Raft) maybeEndProbeLocked() {
	if len(r.probeAcks) >= r.quorumSizeLocked() {
		r.endProbeLocked()
	}
}

func (r *Raft) endProbeLocked() {
	if !r.probing {
		return
	}
	r.probing = false
	acked := len(r.probeAcks)
	r.probeAcks = nil
	if r.probeDeadlineTimer != nil {
		r.probeDeadlineTimer.Stop()
	}
	if r.role == RoleLeader {
		return
	}
	if acked < r.quorumSizeLocked() {
		// A majority of peers stayed silent: the cluster looks genuinely
		// leaderless, so disrupting it with an election is safe.
		r.startElectionLocked()
	} else {
		r.resetElectionTimerLocked()
	}
}

// handlePingResponseLocked routes an inbound ping ack to whichever of the
// two unrelated uses of PingRequest/PingResponse is currently active: the
// pre-election probe's majority tally, or (as leader) recording the ack
// time in the peer's lastAckAt. The lease timeout is computed from each
// peer's acked leaderTimestamp, not from lastAckAt.
func (r *Raft) handlePingResponseLocked(m *PingResponse) {
	if r.probing {
		r.probeAcks[m.SenderID] = true
		r.maybeEndProbeLocked()
		return
	}
	if r.role == RoleLeader {
		if p, ok := r.peers[m.SenderID]; ok {
			p.lastAckAt = time.Now()
		}
	}
}
