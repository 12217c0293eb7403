package simulation

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/raftkv/raftdb/pkg/logstore"
	"github.com/raftkv/raftdb/pkg/raft"
	"github.com/raftkv/raftdb/pkg/store"
)

// Cluster wires N raft.Raft nodes to a shared in-memory Network, each
// backed by its own temp-directory BoltStore and LogStore, grounded on
// the teacher's pkg/testing.TestCluster harness.
type Cluster struct {
	Nodes   []*raft.Raft
	Network *Network

	dataDirs []string
}

// NewCluster builds size nodes without starting them; call Start to run
// them. cfg is cloned per node with
// NodeID/Address/Peers filled in; pass nil for DefaultConfig-derived
// settings tuned for fast, deterministic tests.
func NewCluster(size int, cfg *raft.Config) (*Cluster, error) {
	if cfg == nil {
		c := raft.DefaultConfig("", "")
		c.HeartbeatInterval = 10 * time.Millisecond
		c.ElectionTimeoutMin = 100 * time.Millisecond
		c.ElectionTimeoutMax = 200 * time.Millisecond
		c.CommitTimeout = 2 * time.Second
		cfg = c
	}

	ids := make([]string, size)
	addrs := make([]string, size)
	for i := range ids {
		ids[i] = fmt.Sprintf("node-%d", i)
		addrs[i] = fmt.Sprintf("sim://%s", ids[i])
	}
	peers := make(map[string]string, size)
	for i := range ids {
		peers[ids[i]] = addrs[i]
	}

	network := NewNetwork(rand.Int63())
	cluster := &Cluster{Network: network}

	for i := range ids {
		dir, err := os.MkdirTemp("", fmt.Sprintf("raftdb-sim-%s-", ids[i]))
		if err != nil {
			cluster.Cleanup()
			return nil, err
		}
		cluster.dataDirs = append(cluster.dataDirs, dir)

		st, err := store.OpenBoltStore(filepath.Join(dir, "store.db"))
		if err != nil {
			cluster.Cleanup()
			return nil, err
		}
		ls, err := logstore.Open(filepath.Join(dir, "log"))
		if err != nil {
			cluster.Cleanup()
			return nil, err
		}

		nodeCfg := *cfg
		nodeCfg.NodeID = ids[i]
		nodeCfg.Address = addrs[i]
		nodeCfg.Peers = make(map[string]string, size-1)
		for id, addr := range peers {
			if id != ids[i] {
				nodeCfg.Peers[id] = addr
			}
		}

		node, err := raft.New(&nodeCfg, st, ls, network.NewTransport(ids[i]))
		if err != nil {
			cluster.Cleanup()
			return nil, err
		}
		cluster.Nodes = append(cluster.Nodes, node)
	}

	return cluster, nil
}

// Start starts every node's transport and election timer.
func (c *Cluster) Start() error {
	for _, n := range c.Nodes {
		if err := n.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every node.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.Stop()
	}
}

// Cleanup stops the cluster and removes its temp directories.
func (c *Cluster) Cleanup() {
	c.Stop()
	for _, dir := range c.dataDirs {
		os.RemoveAll(dir)
	}
}

// Leader returns the first node that currently believes it's the leader,
// or nil.
func (c *Cluster) Leader() *raft.Raft {
	for _, n := range c.Nodes {
		if n.GetRole() == raft.RoleLeader {
			return n
		}
	}
	return nil
}

// WaitForLeader polls until some node becomes leader or timeout elapses.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*raft.Raft, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if l := c.Leader(); l != nil {
			return l, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("simulation: no leader elected within %s", timeout)
}

// WaitForStableLeader waits for one node to hold leadership across
// `stableFor` without another node claiming it in the meantime.
func (c *Cluster) WaitForStableLeader(timeout, stableFor time.Duration) (*raft.Raft, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		l, err := c.WaitForLeader(timeout)
		if err != nil {
			return nil, err
		}
		term := l.GetTerm()
		stableDeadline := time.Now().Add(stableFor)
		stable := true
		for time.Now().Before(stableDeadline) {
			time.Sleep(10 * time.Millisecond)
			if c.Leader() != l || l.GetTerm() != term {
				stable = false
				break
			}
		}
		if stable {
			return l, nil
		}
	}
	return nil, fmt.Errorf("simulation: no stable leader within %s", timeout)
}

// CommitKV retries Begin/Put/Commit against whichever node currently
// answers until ctx expires, tolerating ErrRetryTransaction/ErrNotLeader
// the way a real client would.
func (c *Cluster) CommitKV(ctx context.Context, key, value string) error {
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("simulation: commit kv: %w (last error: %v)", ctx.Err(), lastErr)
			}
			return ctx.Err()
		default:
		}

		node := c.Leader()
		if node == nil {
			node = c.Nodes[rand.Intn(len(c.Nodes))]
		}
		tx, err := node.Begin(raft.Linearizable)
		if err != nil {
			lastErr = err
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if err := tx.Put([]byte(key), []byte(value)); err != nil {
			tx.Rollback()
			lastErr = err
			continue
		}
		if err := tx.Commit(ctx); err != nil {
			lastErr = err
			time.Sleep(20 * time.Millisecond)
			continue
		}
		return nil
	}
}
