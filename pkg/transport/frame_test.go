package transport

import (
	"bytes"
	"testing"

	"github.com/raftkv/raftdb/pkg/raft"
)

func TestFrameRoundTrip(t *testing.T) {
	want := &raft.RequestVote{
		Header:       raft.Header{Type: raft.MsgRequestVote, SenderID: "node-1", RecipientID: "node-2", Term: 7},
		LastLogIndex: 42,
		LastLogTerm:  6,
	}

	var buf bytes.Buffer
	if err := writeFrame(&buf, want); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	rv, ok := got.(*raft.RequestVote)
	if !ok {
		t.Fatalf("readFrame returned %T, want *raft.RequestVote", got)
	}
	if rv.SenderID != want.SenderID || rv.RecipientID != want.RecipientID || rv.Term != want.Term {
		t.Fatalf("header mismatch: got %+v, want %+v", rv.Header, want.Header)
	}
	if rv.LastLogIndex != want.LastLogIndex || rv.LastLogTerm != want.LastLogTerm {
		t.Fatalf("body mismatch: got index=%d term=%d, want index=%d term=%d",
			rv.LastLogIndex, rv.LastLogTerm, want.LastLogIndex, want.LastLogTerm)
	}
}

func TestFrameSequentialMessages(t *testing.T) {
	var buf bytes.Buffer
	msgs := []interface{}{
		&raft.GrantVote{Header: raft.Header{Type: raft.MsgGrantVote, SenderID: "a", Term: 1}},
		&raft.PingRequest{Header: raft.Header{Type: raft.MsgPingRequest, SenderID: "b", Term: 2}, Timestamp: 99},
	}
	for _, m := range msgs {
		if err := writeFrame(&buf, m); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
	}

	got1, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame 1: %v", err)
	}
	if gv, ok := got1.(*raft.GrantVote); !ok || gv.SenderID != "a" {
		t.Fatalf("first message = %+v, want GrantVote from a", got1)
	}

	got2, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame 2: %v", err)
	}
	pr, ok := got2.(*raft.PingRequest)
	if !ok || pr.SenderID != "b" || pr.Timestamp != 99 {
		t.Fatalf("second message = %+v, want PingRequest{SenderID:b,Timestamp:99}", got2)
	}
}

func TestFrameDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	msg := &raft.PingRequest{Header: raft.Header{Type: raft.MsgPingRequest, SenderID: "x"}, Timestamp: 1}
	if err := writeFrame(&buf, msg); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a bit inside the gob payload

	if _, err := readFrame(bytes.NewReader(raw)); err == nil {
		t.Fatalf("expected CRC mismatch error, got nil")
	}
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xFF // absurd length, well past maxFrameSize
	if _, err := readFrame(bytes.NewReader(lenBuf[:])); err == nil {
		t.Fatalf("expected error for oversized frame length")
	}
}
