package simulation

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestClusterReplicatesAndPassesInvariants(t *testing.T) {
	cluster, err := NewCluster(3, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	defer cluster.Cleanup()

	if err := cluster.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := cluster.WaitForLeader(2 * time.Second); err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := cluster.CommitKV(ctx, key, "v"); err != nil {
			t.Fatalf("CommitKV(%s): %v", key, err)
		}
	}

	// give followers time to catch up before snapshotting applied state
	time.Sleep(200 * time.Millisecond)

	checker := NewInvariantChecker()
	for _, node := range cluster.Nodes {
		if err := checker.Collect(node); err != nil {
			t.Fatalf("Collect(%s): %v", node.ID(), err)
		}
	}
	if violations := checker.Check(); len(violations) != 0 {
		t.Fatalf("invariant violations: %+v", violations)
	}
}

func TestLinearizabilityCheckerFlagsUnexplainedRead(t *testing.T) {
	h := NewHistory()

	writeID := h.RecordInvoke("write", "k", 0)
	h.RecordComplete(writeID, "v1", true, 10)

	readID := h.RecordInvoke("read", "k", 20)
	h.RecordComplete(readID, "v2", true, 30) // v2 was never written

	ok, issues := NewLinearizabilityChecker(h).Check()
	if ok {
		t.Fatalf("expected a linearizability violation, got none")
	}
	if len(issues) != 1 {
		t.Fatalf("issues = %v, want exactly 1", issues)
	}
}

func TestLinearizabilityCheckerAcceptsExplainedRead(t *testing.T) {
	h := NewHistory()

	writeID := h.RecordInvoke("write", "k", 0)
	h.RecordComplete(writeID, "v1", true, 10)

	readID := h.RecordInvoke("read", "k", 20)
	h.RecordComplete(readID, "v1", true, 30)

	ok, issues := NewLinearizabilityChecker(h).Check()
	if !ok {
		t.Fatalf("expected no violations, got %v", issues)
	}
}
