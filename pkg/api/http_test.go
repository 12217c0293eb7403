package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/raftkv/raftdb/pkg/client"
	"github.com/raftkv/raftdb/pkg/simulation"
)

// newTestServer spins up a one-node simulated Raft cluster (which becomes
// its own leader with no peers to wait on) and wraps it in an httptest
// server, for exercising the full client -> HTTP -> Raft -> store path.
func newTestServer(t *testing.T) (*httptest.Server, *client.Client) {
	t.Helper()
	cluster, err := simulation.NewCluster(1, nil)
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	t.Cleanup(cluster.Cleanup)
	if err := cluster.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := cluster.WaitForLeader(2 * time.Second); err != nil {
		t.Fatalf("WaitForLeader: %v", err)
	}

	srv := httptest.NewServer(NewServer(cluster.Nodes[0], nil))
	t.Cleanup(srv.Close)

	addr := strings.TrimPrefix(srv.URL, "http://")
	c := client.NewClient([]string{addr})
	return srv, c
}

func TestHTTPGetSetRoundTrip(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); err != client.ErrKeyNotFound {
		t.Fatalf("Get of missing key: err=%v, want ErrKeyNotFound", err)
	}

	if err := c.Set(ctx, "a", "1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := c.Get(ctx, "a")
	if err != nil || v != "1" {
		t.Fatalf("Get after Set: v=%q err=%v", v, err)
	}

	if err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "a"); err != client.ErrKeyNotFound {
		t.Fatalf("Get after Delete: err=%v, want ErrKeyNotFound", err)
	}
}

func TestHTTPScanPrefix(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	for _, kv := range [][2]string{{"user/1", "a"}, {"user/2", "b"}, {"other", "c"}} {
		if err := c.Set(ctx, kv[0], kv[1]); err != nil {
			t.Fatalf("Set(%s): %v", kv[0], err)
		}
	}

	results, err := c.ScanPrefix(ctx, "user/")
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("ScanPrefix returned %d results, want 2: %+v", len(results), results)
	}
}

func TestHTTPStatus(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	status, err := c.StatusOf(ctx, 0)
	if err != nil {
		t.Fatalf("StatusOf: %v", err)
	}
	if status.Role != "leader" {
		t.Fatalf("status.Role = %q, want leader", status.Role)
	}
}
