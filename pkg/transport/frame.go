// Package transport implements the framed TCP network adapter raft.Transport
// describes: one persistent outbound connection per peer, a fixed binary
// frame header, and gob for everything past it — the same CRC+length+gob
// framing idiom the teacher's WAL uses for its on-disk records.
package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/raftkv/raftdb/pkg/raft"
)

// maxFrameSize guards against a corrupt length prefix driving an
// unbounded allocation.
const maxFrameSize = 64 << 20

func msgTypeOf(msg interface{}) (raft.MessageType, error) {
	switch msg.(type) {
	case *raft.AppendRequest:
		return raft.MsgAppendRequest, nil
	case *raft.AppendResponse:
		return raft.MsgAppendResponse, nil
	case *raft.CommitRequest:
		return raft.MsgCommitRequest, nil
	case *raft.CommitResponse:
		return raft.MsgCommitResponse, nil
	case *raft.RequestVote:
		return raft.MsgRequestVote, nil
	case *raft.GrantVote:
		return raft.MsgGrantVote, nil
	case *raft.InstallSnapshot:
		return raft.MsgInstallSnapshot, nil
	case *raft.InstallSnapshotResponse:
		return raft.MsgInstallSnapshotResponse, nil
	case *raft.PingRequest:
		return raft.MsgPingRequest, nil
	case *raft.PingResponse:
		return raft.MsgPingResponse, nil
	default:
		return 0, fmt.Errorf("transport: unknown message type %T", msg)
	}
}

func newMessageFor(t raft.MessageType) (interface{}, error) {
	switch t {
	case raft.MsgAppendRequest:
		return &raft.AppendRequest{}, nil
	case raft.MsgAppendResponse:
		return &raft.AppendResponse{}, nil
	case raft.MsgCommitRequest:
		return &raft.CommitRequest{}, nil
	case raft.MsgCommitResponse:
		return &raft.CommitResponse{}, nil
	case raft.MsgRequestVote:
		return &raft.RequestVote{}, nil
	case raft.MsgGrantVote:
		return &raft.GrantVote{}, nil
	case raft.MsgInstallSnapshot:
		return &raft.InstallSnapshot{}, nil
	case raft.MsgInstallSnapshotResponse:
		return &raft.InstallSnapshotResponse{}, nil
	case raft.MsgPingRequest:
		return &raft.PingRequest{}, nil
	case raft.MsgPingResponse:
		return &raft.PingResponse{}, nil
	default:
		return nil, fmt.Errorf("transport: unknown wire type %d", t)
	}
}

// encodeFrame lays out [length(4)][crc32(4)][msgType(1)][gob payload].
// length covers everything after itself (crc32 + msgType + payload).
func encodeFrame(msg interface{}) ([]byte, error) {
	t, err := msgTypeOf(msg)
	if err != nil {
		return nil, err
	}
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(msg); err != nil {
		return nil, fmt.Errorf("transport: encode %T: %w", msg, err)
	}

	body := make([]byte, 1+payload.Len())
	body[0] = byte(t)
	copy(body[1:], payload.Bytes())
	crc := crc32.ChecksumIEEE(body)

	buf := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(4+len(body)))
	binary.BigEndian.PutUint32(buf[4:8], crc)
	buf = append(buf, body...)
	return buf, nil
}

// writeFrame writes one complete frame to w.
func writeFrame(w io.Writer, msg interface{}) error {
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// readFrame blocks until one complete frame has arrived on r and decodes
// it into the concrete message type its header byte names.
func readFrame(r io.Reader) (interface{}, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length < 5 || length > maxFrameSize {
		return nil, fmt.Errorf("transport: invalid frame length %d", length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	crc := binary.BigEndian.Uint32(rest[0:4])
	body := rest[4:]
	if crc32.ChecksumIEEE(body) != crc {
		return nil, fmt.Errorf("transport: frame CRC mismatch")
	}
	msg, err := newMessageFor(raft.MessageType(body[0]))
	if err != nil {
		return nil, err
	}
	if err := gob.NewDecoder(bytes.NewReader(body[1:])).Decode(msg); err != nil {
		return nil, fmt.Errorf("transport: decode payload: %w", err)
	}
	return msg, nil
}
