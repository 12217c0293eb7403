// Package simulation provides an in-memory, fault-injecting raft.Transport
// for deterministic tests, plus invariant and linearizability checkers that
// verify a simulated cluster's behavior against the properties spec.md
// requires, grounded on the teacher's pkg/rpc.LocalTransport (the
// in-memory plumbing) and pkg/testing (the checkers it drove).
package simulation

import (
	"math/rand"
	"sync"
	"time"

	"github.com/raftkv/raftdb/pkg/raft"
)

// Message records one delivery attempt for later inspection by a test.
type Message struct {
	From      string
	To        string
	Payload   interface{}
	Timestamp time.Time
	Delivered bool
	Dropped   bool
}

// Network is a shared in-memory switchboard for a set of SimTransports: it
// owns the partition matrix and the drop/latency knobs every transport
// consults before delivering a message.
type Network struct {
	mu         sync.Mutex
	transports map[string]*SimTransport
	partitions map[string]map[string]bool

	dropRate float64
	minDelay time.Duration
	maxDelay time.Duration
	rnd      *rand.Rand

	messageLog []Message
}

// NewNetwork builds an empty network. rngSeed is taken explicitly (rather
// than seeding from the clock) so a failing test can be replayed
// deterministically.
func NewNetwork(rngSeed int64) *Network {
	return &Network{
		transports: make(map[string]*SimTransport),
		partitions: make(map[string]map[string]bool),
		rnd:        rand.New(rand.NewSource(rngSeed)),
	}
}

// SetDropRate sets the fraction of messages (0..1) that vanish silently.
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDelay sets the random one-way latency range applied to every
// delivered message.
func (n *Network) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.minDelay, n.maxDelay = min, max
}

// Partition cuts nodeID off from every other registered node.
func (n *Network) Partition(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id := range n.transports {
		if id == nodeID {
			continue
		}
		n.setCutLocked(nodeID, id, true)
	}
}

// PartitionBetween cuts the link between exactly two nodes, in both
// directions.
func (n *Network) PartitionBetween(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setCutLocked(a, b, true)
}

// Heal restores every link to and from nodeID.
func (n *Network) Heal(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id := range n.transports {
		n.setCutLocked(nodeID, id, false)
	}
}

// HealAll clears every partition in the network.
func (n *Network) HealAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions = make(map[string]map[string]bool)
}

func (n *Network) setCutLocked(a, b string, cut bool) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if n.partitions[pair[0]] == nil {
			n.partitions[pair[0]] = make(map[string]bool)
		}
		if cut {
			n.partitions[pair[0]][pair[1]] = true
		} else {
			delete(n.partitions[pair[0]], pair[1])
		}
	}
}

func (n *Network) isCut(a, b string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partitions[a][b]
}

func (n *Network) shouldDrop() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropRate > 0 && n.rnd.Float64() < n.dropRate
}

func (n *Network) delay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.maxDelay <= n.minDelay {
		return n.minDelay
	}
	return n.minDelay + time.Duration(n.rnd.Int63n(int64(n.maxDelay-n.minDelay)))
}

func (n *Network) record(msg Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messageLog = append(n.messageLog, msg)
}

// Messages returns every delivery attempt recorded so far, in order.
func (n *Network) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Message, len(n.messageLog))
	copy(out, n.messageLog)
	return out
}

// NewTransport creates (but does not yet Start) a raft.Transport for
// nodeID backed by this network.
func (n *Network) NewTransport(nodeID string) *SimTransport {
	return &SimTransport{network: n, id: nodeID}
}

// SimTransport implements raft.Transport and raft.AddressAware entirely
// in memory: Send looks the recipient up in the owning Network's registry
// and, subject to partition/drop/latency, invokes its handler directly
// instead of touching a socket.
type SimTransport struct {
	network *Network
	id      string

	mu      sync.Mutex
	handler func(msg interface{})
	stopped bool
}

func (t *SimTransport) Handler(fn func(msg interface{})) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Start registers this transport under nodeID so other transports in the
// network can address it. address is accepted for interface compatibility
// but unused: delivery is by node id lookup, not a dialed connection.
func (t *SimTransport) Start(nodeID, address string) error {
	t.id = nodeID
	t.network.mu.Lock()
	t.network.transports[nodeID] = t
	t.network.mu.Unlock()
	return nil
}

func (t *SimTransport) Stop() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	t.network.mu.Lock()
	delete(t.network.transports, t.id)
	t.network.mu.Unlock()
	return nil
}

// SetPeer and RemovePeer satisfy raft.AddressAware as no-ops: every node
// in the network is already reachable by id, so there is no address to
// learn.
func (t *SimTransport) SetPeer(id, address string) {}
func (t *SimTransport) RemovePeer(id string)       {}

// Send looks recipientID up in the network, applies partition/drop/delay,
// and invokes its handler on a fresh goroutine so delivery never blocks
// the sender — the same non-blocking contract pkg/transport provides over
// a real socket.
func (t *SimTransport) Send(recipientID string, msg interface{}) bool {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return false
	}

	t.network.mu.Lock()
	target, ok := t.network.transports[recipientID]
	t.network.mu.Unlock()

	record := Message{From: t.id, To: recipientID, Payload: msg, Timestamp: time.Now()}
	if !ok || t.network.isCut(t.id, recipientID) {
		record.Dropped = true
		t.network.record(record)
		return false
	}
	if t.network.shouldDrop() {
		record.Dropped = true
		t.network.record(record)
		return false
	}

	delay := t.network.delay()
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		target.mu.Lock()
		h := target.handler
		stopped := target.stopped
		target.mu.Unlock()
		if stopped || h == nil {
			return
		}
		h(msg)
	}()

	record.Delivered = true
	t.network.record(record)
	return true
}

var (
	_ raft.Transport    = (*SimTransport)(nil)
	_ raft.AddressAware = (*SimTransport)(nil)
)
