package standalone

import (
	"bytes"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/raftkv/raftdb/pkg/raft"
	"github.com/raftkv/raftdb/pkg/simulation"
	"github.com/raftkv/raftdb/pkg/store"
)

// openTempStore opens a standalone BoltStore the tests can exercise the
// local-path Get/Put/Delete against. It is deliberately not the leader
// node's own store: these tests check Supervisor's routing logic, not the
// real handoff (which pkg/standalone's doc comment already notes is the
// caller's responsibility to reconcile).
func openTempStore(t *testing.T) store.PersistentStore {
	t.Helper()
	s, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "standalone.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCluster(t *testing.T) (*simulation.Cluster, *raft.Raft) {
	t.Helper()
	cluster, err := simulation.NewCluster(3, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	t.Cleanup(cluster.Cleanup)
	if err := cluster.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	leader, err := cluster.WaitForLeader(2 * time.Second)
	if err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}
	return cluster, leader
}

func TestSupervisorDefaultsToReplicated(t *testing.T) {
	_, leader := newTestCluster(t)
	sup := NewSupervisor(leader, nil, log.Default())
	if sup.Mode() != ModeReplicated {
		t.Fatalf("new supervisor mode = %v, want ModeReplicated", sup.Mode())
	}
}

func TestSupervisorForceStandaloneRoutesLocally(t *testing.T) {
	_, leader := newTestCluster(t)
	st := openTempStore(t)
	sup := NewSupervisor(leader, st, log.Default())

	sup.ForceStandalone("simulated quorum loss")
	if sup.Mode() != ModeStandalone {
		t.Fatalf("mode after ForceStandalone = %v, want ModeStandalone", sup.Mode())
	}
	if sup.Reason() == "" {
		t.Fatalf("expected Reason to be recorded")
	}

	if err := sup.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put in standalone mode: %v", err)
	}
	v, ok, err := sup.Get([]byte("k"))
	if err != nil || !ok || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("Get after standalone Put: v=%q ok=%v err=%v", v, ok, err)
	}

	sup.Resume()
	if sup.Mode() != ModeReplicated {
		t.Fatalf("mode after Resume = %v, want ModeReplicated", sup.Mode())
	}
	if sup.Reason() != "" {
		t.Fatalf("expected Reason to clear after Resume")
	}
}

func TestSupervisorForceStandaloneIsIdempotent(t *testing.T) {
	_, leader := newTestCluster(t)
	st := openTempStore(t)
	sup := NewSupervisor(leader, st, log.Default())

	sup.ForceStandalone("first")
	sup.ForceStandalone("second")
	if sup.Reason() != "first" {
		t.Fatalf("second ForceStandalone call should be a no-op, got reason %q", sup.Reason())
	}
}
