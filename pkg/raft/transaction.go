package raft

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raftkv/raftdb/pkg/store"
)

// TxState is the lifecycle stage of a Transaction, per the state machine:
// a transaction is EXECUTING while the caller reads and buffers writes,
// moves to COMMIT_READY the instant Commit is called, COMMIT_WAITING once
// the leader has accepted it and is waiting on quorum, and finally
// COMPLETED (committed) or CLOSED (failed/rolled back).
type TxState uint8

const (
	TxExecuting TxState = iota
	TxCommitReady
	TxCommitWaiting
	TxCompleted
	TxClosed
)

func (s TxState) String() string {
	switch s {
	case TxExecuting:
		return "EXECUTING"
	case TxCommitReady:
		return "COMMIT_READY"
	case TxCommitWaiting:
		return "COMMIT_WAITING"
	case TxCompleted:
		return "COMPLETED"
	case TxClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Consistency selects how a transaction's reads are served.
type Consistency uint8

const (
	// Linearizable reads go through the leader-lease path, waiting for the
	// lease to be confirmed fresh when it is not already, so they reflect
	// every write committed before the read began.
	Linearizable Consistency = iota
	// Eventual reads are served directly from this node's local state
	// machine, which may lag the leader if this node is a follower.
	Eventual
)

var txIDSeq uint64

func nextTxID() uint64 { return atomic.AddUint64(&txIDSeq, 1) }

// Transaction is a client-facing optimistic MVCC transaction: reads and
// writes are buffered against a point-in-time base (term, index); Commit
// fails with ErrRetryTransaction if any read it performed was invalidated
// by a write that committed after the base.
type Transaction struct {
	mu sync.Mutex

	r  *Raft
	id uint64

	baseTerm  uint64
	baseIndex uint64

	view *view

	consistency  Consistency
	readOnly     bool
	configChange *ConfigChange

	state TxState

	commitTerm  uint64
	commitIndex uint64
}

// ID returns the transaction's id, unique for the lifetime of the node that
// created it.
func (tx *Transaction) ID() uint64 { return tx.id }

// Get reads key through the transaction's view, tracking it for conflict
// detection.
func (tx *Transaction) Get(key []byte) ([]byte, bool, error) {
	tx.mu.Lock()
	if tx.state != TxExecuting {
		tx.mu.Unlock()
		return nil, false, fmt.Errorf("%w: Get called in state %s", ErrTransactionFatal, tx.state)
	}
	tx.mu.Unlock()

	val, ok := tx.view.Get(key)
	return val, ok, nil
}

// ScanPrefix reads every key under prefix, tracked as a single read range.
func (tx *Transaction) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	tx.mu.Lock()
	if tx.state != TxExecuting {
		tx.mu.Unlock()
		return fmt.Errorf("%w: ScanPrefix called in state %s", ErrTransactionFatal, tx.state)
	}
	tx.mu.Unlock()

	tx.view.ScanPrefix(prefix, fn)
	return nil
}

// Put buffers a write, visible to this transaction's own subsequent reads
// but invisible to everyone else until Commit succeeds.
func (tx *Transaction) Put(key, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxExecuting {
		return fmt.Errorf("%w: Put called in state %s", ErrTransactionFatal, tx.state)
	}
	tx.readOnly = false
	tx.view.Put(key, value)
	return nil
}

// Delete buffers a deletion.
func (tx *Transaction) Delete(key []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxExecuting {
		return fmt.Errorf("%w: Delete called in state %s", ErrTransactionFatal, tx.state)
	}
	tx.readOnly = false
	tx.view.Delete(key)
	return nil
}

// SetConfigChange attaches a membership change to be committed atomically
// with this transaction. Only one config change may be in flight cluster
// wide at a time; leaderCommitLocked and handleCommitRequestLocked reject a
// second one with ErrConfigChangePending.
func (tx *Transaction) SetConfigChange(cc *ConfigChange) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxExecuting {
		return fmt.Errorf("%w: SetConfigChange called in state %s", ErrTransactionFatal, tx.state)
	}
	tx.readOnly = false
	tx.configChange = cc
	return nil
}

// encodeWrites gob-encodes the buffered overlay for shipping over the wire
// or into a log entry.
func encodeWrites(writes []store.KV) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(writes); err != nil {
		return nil, fmt.Errorf("raft: encode writes: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeWrites(data []byte) ([]store.KV, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var writes []store.KV
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&writes); err != nil {
		return nil, fmt.Errorf("raft: decode writes: %w", err)
	}
	return writes, nil
}

// Commit attempts to durably commit the transaction. On success every
// buffered write is visible to subsequent reads at commitIndex and later.
// On failure the transaction is CLOSED; the caller must Begin a new one.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != TxExecuting {
		err := fmt.Errorf("%w: Commit called in state %s", ErrTransactionFatal, tx.state)
		tx.mu.Unlock()
		return err
	}
	tx.state = TxCommitReady
	tx.mu.Unlock()

	done := make(chan error, 1)
	tx.r.scheduler.submit("", func() { tx.r.beginCommit(tx, done) })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		tx.mu.Lock()
		tx.state = TxClosed
		tx.mu.Unlock()
		return ctx.Err()
	}
}

// Rollback discards the transaction without committing.
func (tx *Transaction) Rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == TxCompleted || tx.state == TxClosed {
		return
	}
	tx.state = TxClosed
	tx.view.Close()
}
