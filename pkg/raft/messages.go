package raft

// MessageType identifies the payload that follows the common header on the
// wire, per the fixed binary frame layout pkg/transport encodes.
type MessageType uint8

const (
	MsgAppendRequest MessageType = iota + 1
	MsgAppendResponse
	MsgCommitRequest
	MsgCommitResponse
	MsgRequestVote
	MsgGrantVote
	MsgInstallSnapshot
	MsgInstallSnapshotResponse
	MsgPingRequest
	MsgPingResponse
)

// Header is the common frame prefix every message carries: who it's from,
// who it's for, which cluster, and the sender's term.
type Header struct {
	Type        MessageType
	ClusterID   uint32
	SenderID    string
	RecipientID string
	Term        uint64
}

// ClusterConfig is the set of voting members, mapping node id to address.
type ClusterConfig map[string]string

func (c ClusterConfig) clone() ClusterConfig {
	out := make(ClusterConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ConfigChangeType distinguishes adding a member from removing one.
type ConfigChangeType uint8

const (
	ConfigAddNode ConfigChangeType = iota
	ConfigRemoveNode
)

// ConfigChange is the payload of a membership-change log entry.
type ConfigChange struct {
	Type    ConfigChangeType
	NodeID  string
	Address string
}

// AppendRequest replicates zero or one log entry and carries the leader's
// commit index and lease timestamp, the same message the leader uses for
// both heartbeats (HasEntry=false) and log replication.
type AppendRequest struct {
	Header

	LeaderTimestamp int64 // leader's monotonic clock reading, for lease math
	LeaderCommit    uint64
	// LeaderLeaseTimeout is the leader's current lease deadline (its own
	// clock). It is informational: no follower code reads it.
	LeaderLeaseTimeout int64

	PrevLogIndex uint64
	PrevLogTerm  uint64

	HasEntry bool
	// EntryTerm is the term of the entry at PrevLogIndex+1, present when
	// HasEntry is true.
	EntryTerm uint64
	// MutationBytes is the gob-encoded write set, nil for an entry with no
	// writes (a config-only change, or the term's leader no-op).
	MutationBytes []byte
	// SkipData is true when MutationBytes was deliberately omitted because
	// the recipient already has the bytes from a locally-fsynced write it
	// forwarded to the leader itself (the skip-data optimization), as
	// opposed to the entry simply having no writes at all.
	SkipData     bool
	ConfigChange *ConfigChange
}

// AppendResponse is the follower's reply to an AppendRequest.
type AppendResponse struct {
	Header

	LeaderTimestamp int64 // echoed back so the leader can compute lease RTT
	Success         bool

	MatchIndex uint64

	// ConflictIndex/ConflictTerm let the leader skip straight past an
	// entire conflicting term instead of backing off one entry at a time.
	ConflictIndex uint64
	ConflictTerm  uint64
}

// CommitRequest is how a follower forwards a client's transaction to the
// leader. A transaction submitted on the leader itself does not go through
// one.
type CommitRequest struct {
	Header

	TxID uint64

	BaseTerm  uint64
	BaseIndex uint64

	ReadKeys   [][]byte
	ReadRanges [][]byte // prefixes read via ScanPrefix

	MutationBytes []byte // gob-encoded []store.KV, empty for a read-only tx
	ConfigChange  *ConfigChange

	ReadOnly bool
}

// CommitResponse answers a CommitRequest.
type CommitResponse struct {
	Header

	TxID    uint64
	Success bool

	CommitTerm  uint64
	CommitIndex uint64

	// MinLeaseTimeout is the earliest the leader's lease could have been
	// confirmed quorum-fresh as of this response. It is informational: the
	// forwarding follower completes the transaction on Success and does not
	// read it.
	MinLeaseTimeout int64

	// ErrClass/ErrMessage let a follower relay the leader's verdict back to
	// the original caller without re-deriving which error sentinel applies.
	ErrClass   string
	ErrMessage string
}

// RequestVote is sent by a candidate soliciting votes.
type RequestVote struct {
	Header

	LastLogIndex uint64
	LastLogTerm  uint64
}

// GrantVote is sent in reply to a RequestVote that was granted. A denial is
// just an AppendResponse-less absence: the candidate times out and retries,
// the same "silence means no" shape the wire table uses.
type GrantVote struct {
	Header
}

// InstallSnapshot ships one chunk of a state machine snapshot in
// deterministic key order, identified by a monotonically increasing
// PairIndex within one stream.
type InstallSnapshot struct {
	Header

	StreamID      string
	SnapshotIndex uint64
	SnapshotTerm  uint64
	// SnapshotConfig is only populated on PairIndex 0: the cluster
	// configuration as of the snapshot.
	SnapshotConfig ClusterConfig
	PairIndex      uint64
	LastChunk      bool
	// Data is a sequence of length-prefixed (key, value) pairs.
	Data []byte
}

// InstallSnapshotResponse acknowledges one chunk.
type InstallSnapshotResponse struct {
	Header

	StreamID  string
	PairIndex uint64
	Success   bool
}

// PingRequest/PingResponse carry the follower's pre-election probe: before
// starting an election, a node pings its peers and tallies who answers.
type PingRequest struct {
	Header
	Timestamp int64
}

type PingResponse struct {
	Header
	Timestamp int64
}
