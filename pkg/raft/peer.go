package raft

import "time"

// peer is the leader's per-follower replication state: where it's
// replicated to, whether it's caught up, and the bookkeeping needed to
// drive the leader-lease quorum check and an in-flight snapshot transfer.
type peer struct {
	id      string
	address string

	nextIndex  uint64
	matchIndex uint64

	// synced is true after this peer's latest AppendResponse succeeded (or
	// a snapshot transfer to it finished) and false after a failed one;
	// while it is false, the leader's update to the peer carries no entry.
	synced bool

	leaderTimestamp int64 // last LeaderTimestamp this peer has acked
	lastAckAt       time.Time

	// skipData holds indices this peer already has the mutation bytes for
	// (it forwarded the write to the leader itself), so the leader's
	// AppendRequest for that index can omit MutationBytes.
	skipData map[uint64]bool

	snapshotStream *snapshotTransmit // non-nil while a snapshot transfer is in flight

	updateTimer *guardedTimer
}

func newPeer(id, address string, nextIndex uint64) *peer {
	return &peer{
		id:          id,
		address:     address,
		nextIndex:   nextIndex,
		matchIndex:  0,
		skipData:    make(map[uint64]bool),
		updateTimer: &guardedTimer{},
	}
}

func (p *peer) markSkipData(index uint64) {
	p.skipData[index] = true
}

func (p *peer) consumeSkipData(index uint64) bool {
	if p.skipData[index] {
		delete(p.skipData, index)
		return true
	}
	return false
}
