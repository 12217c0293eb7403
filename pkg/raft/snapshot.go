package raft

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/raftkv/raftdb/pkg/store"
)

// snapshotTransmit drives one outbound snapshot stream to a lagging
// follower: it walks the state machine's key space in deterministic
// (lexicographic) order and ships it in fixed-size chunks, each chunk's
// PairIndex one higher than the last, so a receiver can detect a gap or a
// duplicate from a retried send.
type snapshotTransmit struct {
	streamID  string
	peerID    string
	index     uint64
	term      uint64
	config    ClusterConfig
	chunkSize int

	snap    store.Snapshot
	nextKey []byte
	pairIdx uint64
	done    bool
}

func newSnapshotTransmit(peerID string, snap store.Snapshot, index, term uint64, config ClusterConfig, chunkSize int) *snapshotTransmit {
	return &snapshotTransmit{
		streamID:  uuid.NewString(),
		peerID:    peerID,
		index:     index,
		term:      term,
		config:    config,
		chunkSize: chunkSize,
		snap:      snap,
	}
}

// nextChunk returns the next InstallSnapshot message, or nil once the
// stream is exhausted.
func (st *snapshotTransmit) nextChunk(prefix []byte) *InstallSnapshot {
	if st.done {
		return nil
	}

	var buf bytes.Buffer
	count := 0
	last := st.nextKey
	stop := false
	st.snap.ScanPrefix(prefix, func(key, value []byte) bool {
		if last != nil && bytes.Compare(key, last) <= 0 {
			return true // already sent this pair in a previous chunk
		}
		if buf.Len() >= st.chunkSize {
			stop = true
			return false
		}
		writeLengthPrefixed(&buf, key)
		writeLengthPrefixed(&buf, value)
		last = append([]byte(nil), key...)
		count++
		return true
	})

	msg := &InstallSnapshot{
		StreamID:      st.streamID,
		SnapshotIndex: st.index,
		SnapshotTerm:  st.term,
		PairIndex:     st.pairIdx,
		Data:          buf.Bytes(),
	}
	if st.pairIdx == 0 {
		msg.SnapshotConfig = st.config.clone()
	}
	st.pairIdx++
	st.nextKey = last

	if !stop {
		msg.LastChunk = true
		st.done = true
		st.snap.Close()
	}
	return msg
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readLengthPrefixedPairs(data []byte, fn func(key, value []byte) error) error {
	for len(data) > 0 {
		key, rest, err := readLengthPrefixed(data)
		if err != nil {
			return err
		}
		value, rest2, err := readLengthPrefixed(rest)
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
		data = rest2
	}
	return nil
}

func readLengthPrefixed(data []byte) (value, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("raft: truncated snapshot chunk")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, fmt.Errorf("raft: truncated snapshot chunk body")
	}
	return data[:n], data[n:], nil
}

// snapshotReceive tracks the progress of one inbound snapshot stream: its
// coordinates, the configuration from its first chunk, and the next
// PairIndex expected. It holds no pairs; each chunk's pairs are written to
// the store as the chunk arrives.
type snapshotReceive struct {
	streamID  string
	leaderID  string
	index     uint64
	term      uint64
	config    ClusterConfig
	nextPair  uint64
	installed bool
}

func newSnapshotReceive(streamID, leaderID string, index, term uint64) *snapshotReceive {
	return &snapshotReceive{streamID: streamID, leaderID: leaderID, index: index, term: term}
}
