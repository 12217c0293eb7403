package raft

import "errors"

// The sentinel errors below classify every failure a transaction commit or
// a core operation can return. Callers branch on which sentinel an error
// wraps to decide whether to retry with a new transaction, re-read before
// retrying, or give up.
var (
	// ErrRetryTransaction means the caller should begin a brand new
	// transaction and retry: the attempt lost a race (conflict, lost
	// leadership, commit timeout) but the system itself is healthy.
	ErrRetryTransaction = errors.New("retry transaction")

	// ErrStaleTransaction means the transaction's base snapshot fell too far
	// behind the log (compacted away) before it could commit; a plain retry
	// of the same transaction object will not help.
	ErrStaleTransaction = errors.New("stale transaction, base has been compacted")

	// ErrTransactionFatal means the transaction object itself was misused,
	// e.g. committed twice or mutated after Commit.
	ErrTransactionFatal = errors.New("transaction misuse")

	ErrNotLeader                = errors.New("not the leader")
	ErrNoLeader                 = errors.New("no known leader")
	ErrTimeout                  = errors.New("operation timed out")
	ErrNodeNotFound             = errors.New("node not found")
	ErrNodeStopped              = errors.New("node has been stopped")
	ErrLogCompacted             = errors.New("log has been compacted")
	ErrSnapshotFailed           = errors.New("snapshot operation failed")
	ErrSnapshotInProgress       = errors.New("snapshot transfer already in progress")
	ErrSoleMember               = errors.New("cannot remove the sole remaining member")
	ErrConfigChangePending      = errors.New("a configuration change is already in flight")
	ErrMembershipChangeDisabled = errors.New("membership changes are disabled")
	ErrUnknownPeer              = errors.New("unknown peer")

	// ErrProtocol wraps malformed or unexpected wire messages, e.g. a peer
	// speaking a different cluster id or a message with an impossible field
	// combination for its type.
	ErrProtocol = errors.New("protocol error")
)
