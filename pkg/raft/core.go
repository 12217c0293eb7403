// Package raft implements the consensus core: Raft leader election and log
// replication carrying optimistic MVCC transactions, with a leader-lease
// read-only fast path. The package owns one coarse lock per node; every
// state transition runs on the node's single service-thread scheduler
// while holding that lock.
package raft

import (
	"encoding/binary"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/raftkv/raftdb/pkg/logstore"
	"github.com/raftkv/raftdb/pkg/store"
)

// Role is which of the three Raft roles a node is currently playing.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

var (
	metaClusterID        = []byte{0x01}
	metaCurrentTerm      = []byte{0x02}
	metaVotedFor         = []byte{0x03}
	metaLastAppliedTerm  = []byte{0x04}
	metaLastAppliedIndex = []byte{0x05}
	metaLastAppliedConfig = []byte{0x06}
	stateMachinePrefix    = []byte{0x10}
)

// forwardState tracks a transaction a follower forwarded to the leader on
// the client's behalf, so the leader's eventual CommitResponse can be
// routed back to the blocked caller.
type forwardState struct {
	tx   *Transaction
	done chan error
	// writeBytes is the encoded write set this node forwarded, kept around
	// so a later AppendRequest for the same index that omits MutationBytes
	// (the leader's skip-data optimization) can be satisfied locally.
	writeBytes []byte
}

// pendingCommit is the leader-side bookkeeping for a transaction entry
// that's been appended locally and is waiting for applyCommittedLocked to
// reach its index. tx/done are set for a transaction this node originated
// as leader; requesterID/txID are set instead when the entry came from a
// follower's forwarded CommitRequest, so completion is a CommitResponse
// sent over the wire rather than a local channel send.
type pendingCommit struct {
	tx   *Transaction
	done chan error

	requesterID string
	txID        uint64
}

// leaseWaiter is a local read-only transaction blocked on the leader lease.
type leaseWaiter struct {
	tx       *Transaction
	done     chan error
	deadline int64
}

// remoteLeaseWaiter is a follower's forwarded read-only CommitRequest
// blocked on the leader lease; resolved by sending a deferred CommitResponse.
type remoteLeaseWaiter struct {
	requesterID string
	txID        uint64
	baseTerm    uint64
	baseIndex   uint64
	deadline    int64
}

// Raft is one node's consensus engine.
type Raft struct {
	mu sync.Mutex

	id      string
	address string
	cfg     *Config
	logger  Logger

	store     store.PersistentStore
	log       *logstore.LogStore
	transport Transport

	clusterID     uint32
	currentTerm   uint64
	votedFor      string
	clusterConfig ClusterConfig

	commitIndex       uint64
	lastAppliedTerm   uint64
	lastAppliedIndex  uint64
	tail              []*logstore.Entry // ascending, index > lastAppliedIndex
	retainedBytes     int

	// appliedHistory keeps the key sets (not values) of recently applied
	// write entries, oldest first, so a transaction's commit can be
	// checked for conflicts against everything written since its base
	// without re-reading the log. historyFloor is the index of the last
	// entry ever evicted from the front: a transaction based before it can
	// no longer be conflict-checked with confidence and fails with
	// ErrStaleTransaction instead.
	appliedHistory []*appliedWriteRecord
	historyFloor   uint64

	role     Role
	leaderID string

	electionTimer     *guardedTimer
	lastLeaderContact time.Time

	votesReceived map[string]bool

	// probing implements the follower's pre-election probe (4.3): before
	// starting an election, ping every peer and only proceed if a majority
	// fail to answer quickly, so a transient blip doesn't trigger a churn
	// of needless elections.
	probing            bool
	probeAcks          map[string]bool
	probeDeadlineTimer *guardedTimer

	peers                map[string]*peer
	heartbeatTimer       *guardedTimer
	leaderStartTimestamp int64
	configChangePending  bool
	configChangeTxID     uint64

	// leaseWaiters holds local read-only transactions blocked on the
	// leader lease advancing past their deadline; remoteLeaseWaiters holds
	// the same thing on behalf of followers that forwarded a CommitRequest.
	leaseWaiters       []*leaseWaiter
	remoteLeaseWaiters []*remoteLeaseWaiter

	txs              map[uint64]*Transaction
	pendingCommits   map[uint64]*pendingCommit
	forwardedCommits map[uint64]*forwardState

	snapshotReceives map[string]*snapshotReceive

	// pendingWrites is a FIFO queue of mutation bytes this node forwarded to
	// the leader itself, one entry per outstanding forwarded write, in the
	// order forwarded. The leader's replicated AppendRequest for each such
	// write omits MutationBytes (the "skip data" substitution); because a
	// single peer's entries are only ever replicated back to it in log
	// order, and skip-data is only ever marked for the peer that forwarded
	// the write, popping the queue's head on each skip-data AppendRequest
	// always yields the matching write without needing to predict the
	// leader-assigned index in advance.
	pendingWrites [][]byte

	// pendingWriteFiles maps a forwarded transaction's id to the path of
	// its fsynced staging file, so cleanupStagedWriteLocked can remove it
	// once the transaction resolves either way.
	pendingWriteFiles map[uint64]string

	// candidateWaiting holds transactions whose Commit was called while
	// this node was a candidate (or a follower with no leader known yet):
	// per the candidate role, they stay COMMIT_READY until a leader is
	// established, at which point they're replayed as a fresh commit or
	// forwarded.
	candidateWaiting map[uint64]*pendingLocal

	scheduler *scheduler
	timers    *namedTimers

	stopCh  chan struct{}
	stopped bool
}

// pendingLocal pairs a transaction with the channel its blocked Commit
// call is waiting on.
type pendingLocal struct {
	tx   *Transaction
	done chan error
}

// appliedWriteRecord is the conflict-checking footprint of one applied log
// entry: just the keys it wrote, not the values.
type appliedWriteRecord struct {
	index uint64
	keys  [][]byte
	bytes int
}

// New constructs a node. It does not start any timers or network I/O;
// call Start for that.
func New(cfg *Config, st store.PersistentStore, ls *logstore.LogStore, transport Transport) (*Raft, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	r := &Raft{
		id:               cfg.NodeID,
		address:          cfg.Address,
		cfg:              cfg,
		logger:           logger,
		store:            st,
		log:              ls,
		transport:        transport,
		clusterConfig:    ClusterConfig{},
		role:             RoleFollower,
		electionTimer:    &guardedTimer{},
		votesReceived:    make(map[string]bool),
		peers:            make(map[string]*peer),
		txs:              make(map[uint64]*Transaction),
		pendingCommits:   make(map[uint64]*pendingCommit),
		forwardedCommits: make(map[uint64]*forwardState),
		snapshotReceives: make(map[string]*snapshotReceive),
		candidateWaiting: make(map[uint64]*pendingLocal),
		scheduler:        newScheduler(),
		timers:           newNamedTimers(),
		stopCh:           make(chan struct{}),
	}
	r.clusterConfig[cfg.NodeID] = cfg.Address
	for id, addr := range cfg.Peers {
		r.clusterConfig[id] = addr
	}

	if err := r.restore(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Raft) restore() error {
	if v, ok, err := r.store.Get(metaClusterID); err != nil {
		return fmt.Errorf("raft: restore clusterId: %w", err)
	} else if ok {
		r.clusterID = binary.LittleEndian.Uint32(v)
	}
	if v, ok, err := r.store.Get(metaCurrentTerm); err != nil {
		return fmt.Errorf("raft: restore currentTerm: %w", err)
	} else if ok {
		r.currentTerm = binary.LittleEndian.Uint64(v)
	}
	if v, ok, err := r.store.Get(metaVotedFor); err != nil {
		return fmt.Errorf("raft: restore votedFor: %w", err)
	} else if ok {
		r.votedFor = string(v)
	}
	if v, ok, err := r.store.Get(metaLastAppliedTerm); err != nil {
		return fmt.Errorf("raft: restore lastAppliedTerm: %w", err)
	} else if ok {
		r.lastAppliedTerm = binary.LittleEndian.Uint64(v)
	}
	if v, ok, err := r.store.Get(metaLastAppliedIndex); err != nil {
		return fmt.Errorf("raft: restore lastAppliedIndex: %w", err)
	} else if ok {
		r.lastAppliedIndex = binary.LittleEndian.Uint64(v)
	}
	if v, ok, err := r.store.Get(metaLastAppliedConfig); err != nil {
		return fmt.Errorf("raft: restore lastAppliedConfig: %w", err)
	} else if ok {
		cc, err := decodeClusterConfig(v)
		if err != nil {
			return err
		}
		if len(cc) > 0 {
			r.clusterConfig = cc
		}
	}

	entries, err := r.log.Load(r.lastAppliedIndex)
	if err != nil {
		return fmt.Errorf("raft: restore log tail: %w", err)
	}
	r.tail = entries
	r.commitIndex = r.lastAppliedIndex
	return nil
}

func (r *Raft) persistTermAndVote() error {
	var termBuf [8]byte
	binary.LittleEndian.PutUint64(termBuf[:], r.currentTerm)
	return r.store.Mutate([]store.KV{
		{Key: metaCurrentTerm, Value: termBuf[:]},
		{Key: metaVotedFor, Value: []byte(r.votedFor)},
	}, true)
}

func (r *Raft) persistClusterID() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], r.clusterID)
	return r.store.Mutate([]store.KV{{Key: metaClusterID, Value: buf[:]}}, true)
}

// Start begins network I/O and the election timer.
func (r *Raft) Start() error {
	r.transport.Handler(r.onMessage)
	if err := r.transport.Start(r.id, r.address); err != nil {
		return fmt.Errorf("raft: transport start: %w", err)
	}
	r.mu.Lock()
	if aa, ok := r.transport.(AddressAware); ok {
		for id, addr := range r.clusterConfig {
			if id != r.id {
				aa.SetPeer(id, addr)
			}
		}
	}
	r.resetElectionTimerLocked()
	r.mu.Unlock()
	return nil
}

// Stop halts all timers, the scheduler, and the transport, failing every
// in-flight transaction with ErrNodeStopped so no caller blocks forever.
func (r *Raft) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.failAllPendingLocked(ErrNodeStopped)
	close(r.stopCh)
	r.mu.Unlock()

	r.timers.stopAll()
	r.electionTimer.Stop()
	r.scheduler.stop()
	return r.transport.Stop()
}

// Begin opens a new transaction against a point-in-time snapshot of the
// applied state machine. Reads and writes are buffered in the
// transaction's view until Commit.
func (r *Raft) Begin(consistency Consistency) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrNodeStopped
	}

	snap := &prefixedSnapshot{base: r.store.Snapshot(), prefix: stateMachinePrefix}
	tx := &Transaction{
		r:           r,
		id:          nextTxID(),
		baseTerm:    r.lastAppliedTerm,
		baseIndex:   r.lastAppliedIndex,
		view:        newView(snap),
		consistency: consistency,
		readOnly:    true,
		state:       TxExecuting,
	}
	r.txs[tx.id] = tx

	if r.cfg.MaxTransactionDuration > 0 {
		r.timers.get(txTimerName(tx.id)).Reset(r.cfg.MaxTransactionDuration, func(token uint64) {
			r.scheduler.submit("", func() { r.onTxExpiredLocked(tx.id, token) })
		})
	}
	return tx, nil
}

func txTimerName(id uint64) string { return fmt.Sprintf("tx-expiry-%d", id) }

// onTxExpiredLocked closes out a transaction that's been EXECUTING for
// longer than MaxTransactionDuration without the caller committing it.
func (r *Raft) onTxExpiredLocked(id uint64, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.timers.get(txTimerName(id)).ValidToken(token) {
		return
	}
	tx, ok := r.txs[id]
	if !ok || tx.state != TxExecuting {
		return
	}
	tx.mu.Lock()
	tx.state = TxClosed
	tx.view.Close()
	tx.mu.Unlock()
	delete(r.txs, id)
}

// randomClusterID generates a fresh, non-zero cluster identifier for a
// node bootstrapping a brand new cluster (zero is reserved to mean
// "unset" in acceptHeaderLocked).
func randomClusterID() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}

// acceptHeaderLocked applies the common per-message rules (4.2) before a
// handler runs: a message addressed to a different node is dropped, and a
// node with no established cluster id silently adopts the first one it
// sees, but a cluster id mismatch thereafter means the message is from a
// foreign cluster and must be dropped.
func (r *Raft) acceptHeaderLocked(h Header) bool {
	if h.RecipientID != "" && h.RecipientID != r.id {
		return false
	}
	if h.ClusterID == 0 {
		return true
	}
	if r.clusterID == 0 {
		r.clusterID = h.ClusterID
		if err := r.persistClusterID(); err != nil {
			r.logger.Printf("[%s] failed to persist adopted cluster id: %v", r.id, err)
		}
		return true
	}
	if r.clusterID != h.ClusterID {
		r.logger.Printf("[%s] dropping message from foreign cluster %d (want %d)", r.id, h.ClusterID, r.clusterID)
		return false
	}
	return true
}

func (r *Raft) randomElectionTimeout() time.Duration {
	lo := r.cfg.ElectionTimeoutMin
	hi := r.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)))
}

func (r *Raft) resetElectionTimerLocked() {
	timeout := r.randomElectionTimeout()
	r.electionTimer.Reset(timeout, func(token uint64) {
		r.scheduler.submit("election-timeout", func() { r.onElectionTimeout(token) })
	})
}

// onMessage is the transport's single entry point for inbound messages. It
// dispatches onto the scheduler so every handler runs serialized under the
// core lock on the service thread.
func (r *Raft) onMessage(msg interface{}) {
	r.scheduler.submit("", func() { r.dispatch(msg) })
}

// headerOf extracts the common Header embedded in every wire message type.
func headerOf(msg interface{}) (Header, bool) {
	switch m := msg.(type) {
	case *AppendRequest:
		return m.Header, true
	case *AppendResponse:
		return m.Header, true
	case *RequestVote:
		return m.Header, true
	case *GrantVote:
		return m.Header, true
	case *CommitRequest:
		return m.Header, true
	case *CommitResponse:
		return m.Header, true
	case *InstallSnapshot:
		return m.Header, true
	case *InstallSnapshotResponse:
		return m.Header, true
	case *PingRequest:
		return m.Header, true
	case *PingResponse:
		return m.Header, true
	default:
		return Header{}, false
	}
}

func (r *Raft) dispatch(msg interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	h, ok := headerOf(msg)
	if !ok {
		r.logger.Printf("[%s] dropping message of unknown type %T", r.id, msg)
		return
	}
	if !r.acceptHeaderLocked(h) {
		return
	}

	leaderHint := ""
	switch msg.(type) {
	case *AppendRequest, *InstallSnapshot:
		leaderHint = h.SenderID
	}
	r.stepDownIfStaleLocked(h.Term, leaderHint)

	switch m := msg.(type) {
	case *AppendRequest:
		resp := r.handleAppendRequestLocked(m)
		r.transport.Send(m.SenderID, resp)
	case *AppendResponse:
		r.handleAppendResponseLocked(m)
	case *RequestVote:
		if grant := r.handleRequestVoteLocked(m); grant != nil {
			r.transport.Send(m.SenderID, grant)
		}
	case *GrantVote:
		r.handleGrantVoteLocked(m)
	case *CommitRequest:
		r.handleCommitRequestLocked(m)
	case *CommitResponse:
		r.handleCommitResponseLocked(m)
	case *InstallSnapshot:
		resp := r.handleInstallSnapshotLocked(m)
		r.transport.Send(m.SenderID, resp)
	case *InstallSnapshotResponse:
		r.handleInstallSnapshotResponseLocked(m)
	case *PingRequest:
		r.handlePingRequestLocked(m)
	case *PingResponse:
		r.handlePingResponseLocked(m)
	}
}

// handlePingRequestLocked answers a pre-election probe ping; any
// role may receive one, so the reply is unconditional.
func (r *Raft) handlePingRequestLocked(m *PingRequest) {
	r.transport.Send(m.SenderID, &PingResponse{
		Header:    r.headerTo(m.SenderID, MsgPingResponse),
		Timestamp: m.Timestamp,
	})
}

func (r *Raft) headerTo(recipient string, t MessageType) Header {
	return Header{Type: t, ClusterID: r.clusterID, SenderID: r.id, RecipientID: recipient, Term: r.currentTerm}
}

// stepDownIfStaleLocked steps down to follower whenever a peer's term
// exceeds ours, the one safety rule that applies identically in every role.
func (r *Raft) stepDownIfStaleLocked(term uint64, leaderID string) {
	if term <= r.currentTerm {
		return
	}
	r.currentTerm = term
	r.votedFor = ""
	_ = r.persistTermAndVote()
	r.becomeFollowerLocked(leaderID)
}

func (r *Raft) getLastLogIndexLocked() uint64 {
	if n := len(r.tail); n > 0 {
		return r.tail[n-1].Index
	}
	return r.lastAppliedIndex
}

func (r *Raft) getLastLogTermLocked() uint64 {
	if n := len(r.tail); n > 0 {
		return r.tail[n-1].Term
	}
	return r.lastAppliedTerm
}

// entryAtLocked returns the tail entry at index, if it's still in memory.
func (r *Raft) entryAtLocked(index uint64) (*logstore.Entry, bool) {
	if index <= r.lastAppliedIndex {
		return nil, false
	}
	offset := index - r.lastAppliedIndex - 1
	if offset >= uint64(len(r.tail)) {
		return nil, false
	}
	return r.tail[offset], true
}

func (r *Raft) termAtLocked(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	if index == r.lastAppliedIndex {
		return r.lastAppliedTerm
	}
	if e, ok := r.entryAtLocked(index); ok {
		return e.Term
	}
	return 0
}

func (r *Raft) isLogUpToDateLocked(lastLogIndex, lastLogTerm uint64) bool {
	myTerm := r.getLastLogTermLocked()
	myIndex := r.getLastLogIndexLocked()
	if lastLogTerm != myTerm {
		return lastLogTerm > myTerm
	}
	return lastLogIndex >= myIndex
}

// appendEntryLocked durably appends one entry to the log and the in-memory
// tail, then checks retention bounds.
func (r *Raft) appendEntryLocked(writes, configChange []byte) (*logstore.Entry, error) {
	e, err := r.log.Append(r.currentTerm, writes, configChange, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	r.tail = append(r.tail, e)
	return e, nil
}

// tryAdvanceCommitIndexLocked recomputes the commit index as the median
// (by matchIndex, descending) across a quorum including self, and only
// commits it if the entry at that index was proposed in the current term
// (the Raft §5.4.2 safety rule against committing a previous leader's
// entry via a match alone).
func (r *Raft) tryAdvanceCommitIndexLocked() {
	if r.role != RoleLeader {
		return
	}
	matches := make([]uint64, 0, len(r.peers)+1)
	matches = append(matches, r.getLastLogIndexLocked()) // self always matches its own log
	for _, p := range r.peers {
		matches = append(matches, p.matchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	quorumIdx := matches[len(matches)/2]

	if quorumIdx <= r.commitIndex {
		return
	}
	if r.termAtLocked(quorumIdx) != r.currentTerm {
		return
	}
	r.commitIndex = quorumIdx
	r.applyCommittedLocked()
}

// applyCommittedLocked applies every tail entry up to commitIndex into the
// store, resolves any transactions waiting on those indices, and enforces
// the retention bounds on the in-memory tail.
func (r *Raft) applyCommittedLocked() {
	for len(r.tail) > 0 && r.tail[0].Index <= r.commitIndex {
		e := r.tail[0]
		r.tail = r.tail[1:]

		writes, err := decodeWrites(e.Writes)
		if err != nil {
			r.logger.Printf("[%s] failed to decode entry %d: %v", r.id, e.Index, err)
		} else if len(writes) > 0 {
			kvWrites := make([]store.KV, len(writes))
			copy(kvWrites, writes)
			for i := range kvWrites {
				kvWrites[i].Key = append(append([]byte(nil), stateMachinePrefix...), kvWrites[i].Key...)
			}
			if err := r.store.Mutate(kvWrites, false); err != nil {
				r.logger.Printf("[%s] failed to apply entry %d: %v", r.id, e.Index, err)
			}
			rec := &appliedWriteRecord{index: e.Index}
			for _, w := range writes {
				rec.keys = append(rec.keys, w.Key)
				rec.bytes += len(w.Key) + len(w.Value)
			}
			r.appliedHistory = append(r.appliedHistory, rec)
			r.retainedBytes += rec.bytes
		}
		if len(e.ConfigChange) > 0 {
			cc, err := decodeConfigChange(e.ConfigChange)
			if err == nil {
				r.applyConfigChangeLocked(cc)
			}
		}

		r.lastAppliedTerm = e.Term
		r.lastAppliedIndex = e.Index
		r.persistAppliedMetaLocked()

		if pc, ok := r.pendingCommits[e.Index]; ok {
			if pc.tx != nil {
				pc.tx.state = TxCompleted
				pc.done <- nil
				r.timers.remove(commitTimerName(pc.tx.id))
			} else {
				r.transport.Send(pc.requesterID, &CommitResponse{
					Header:      r.headerTo(pc.requesterID, MsgCommitResponse),
					TxID:        pc.txID,
					Success:     true,
					CommitTerm:  e.Term,
					CommitIndex: e.Index,
				})
			}
			delete(r.pendingCommits, e.Index)
		}
		r.resolveForwardedAtLocked(e.Index, e.Term)
	}
	r.resolveLeaseWaitersLocked()
	r.enforceRetentionLocked()
}

// resolveForwardedAtLocked completes any follower-forwarded transaction
// whose leader-assigned commit coordinates match the entry just applied.
func (r *Raft) resolveForwardedAtLocked(index, term uint64) {
	for id, fwd := range r.forwardedCommits {
		if fwd.tx.state != TxCommitWaiting {
			continue
		}
		if fwd.tx.commitIndex == index && fwd.tx.commitTerm == term {
			fwd.tx.state = TxCompleted
			fwd.done <- nil
			delete(r.forwardedCommits, id)
			r.timers.remove(commitTimerName(id))
			r.cleanupStagedWriteLocked(id)
		}
	}
}

func (r *Raft) persistAppliedMetaLocked() {
	var termBuf, idxBuf [8]byte
	binary.LittleEndian.PutUint64(termBuf[:], r.lastAppliedTerm)
	binary.LittleEndian.PutUint64(idxBuf[:], r.lastAppliedIndex)
	writes := []store.KV{
		{Key: metaLastAppliedTerm, Value: termBuf[:]},
		{Key: metaLastAppliedIndex, Value: idxBuf[:]},
	}
	if cfgBytes, err := encodeClusterConfig(r.clusterConfig); err == nil {
		writes = append(writes, store.KV{Key: metaLastAppliedConfig, Value: cfgBytes})
	}
	if err := r.store.Mutate(writes, true); err != nil {
		r.logger.Printf("[%s] failed to persist applied meta: %v", r.id, err)
	}
}

// enforceRetentionLocked trims appliedHistory down to
// MaxAppliedLogMemory/MaxRetainedEntries, advancing historyFloor past
// whatever it evicts so a transaction based before that point is caught
// and failed with ErrStaleTransaction rather than silently under-checked.
func (r *Raft) enforceRetentionLocked() {
	for len(r.appliedHistory) > 0 {
		overCount := r.cfg.MaxRetainedEntries > 0 && len(r.appliedHistory) > r.cfg.MaxRetainedEntries
		overBytes := r.cfg.MaxAppliedLogMemory > 0 && r.retainedBytes > r.cfg.MaxAppliedLogMemory
		if !overCount && !overBytes {
			break
		}
		oldest := r.appliedHistory[0]
		r.appliedHistory = r.appliedHistory[1:]
		r.retainedBytes -= oldest.bytes
		r.historyFloor = oldest.index
	}
}

// quorumSizeLocked returns the number of votes/acks needed for a strict
// majority of the current cluster configuration.
func (r *Raft) quorumSizeLocked() int {
	return len(r.clusterConfig)/2 + 1
}

// GetRole reports the current role.
func (r *Raft) GetRole() Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.role
}

// GetLeaderID reports the last known leader, or "" if none is known.
func (r *Raft) GetLeaderID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderID
}

// GetTerm reports the current term.
func (r *Raft) GetTerm() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentTerm
}

// GetCommitIndex reports the current commit index.
func (r *Raft) GetCommitIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commitIndex
}

// ID returns this node's id.
func (r *Raft) ID() string { return r.id }

// AppliedEntry is one committed-and-applied log entry, decoded for test
// and diagnostic inspection (pkg/simulation's invariant checker uses this
// to compare what every node in a cluster actually applied).
type AppliedEntry struct {
	Index        uint64
	Term         uint64
	Writes       []store.KV
	ConfigChange *ConfigChange
}

// AppliedEntries returns every entry up to the current commit index, in
// log order. It re-reads from the log store rather than r.appliedHistory
// because the latter is trimmed by enforceRetentionLocked and may no
// longer cover the full applied prefix.
func (r *Raft) AppliedEntries() ([]AppliedEntry, error) {
	r.mu.Lock()
	commitIndex := r.commitIndex
	r.mu.Unlock()

	raw, err := r.log.Load(0)
	if err != nil {
		return nil, fmt.Errorf("raft: load log for inspection: %w", err)
	}
	out := make([]AppliedEntry, 0, len(raw))
	for _, e := range raw {
		if e.Index > commitIndex {
			break
		}
		writes, err := decodeWrites(e.Writes)
		if err != nil {
			return nil, err
		}
		cc, err := decodeConfigChange(e.ConfigChange)
		if err != nil {
			return nil, err
		}
		out = append(out, AppliedEntry{Index: e.Index, Term: e.Term, Writes: writes, ConfigChange: cc})
	}
	return out, nil
}
