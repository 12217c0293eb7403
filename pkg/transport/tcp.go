package transport

import (
	"bufio"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/raftkv/raftdb/pkg/raft"
)

// sendQueueSize bounds how many outbound frames to one peer can be
// buffered before Send starts dropping them. Raft's own retry/timeout
// machinery tolerates dropped messages; a slow peer should never be
// allowed to block the node driving it.
const sendQueueSize = 256

const dialTimeout = 2 * time.Second
const redialBackoff = 250 * time.Millisecond

// TCPTransport implements raft.Transport over one long-lived TCP
// connection per peer, each with its own bounded send queue and its own
// reconnect loop.
type TCPTransport struct {
	id      string
	logger  *log.Logger
	handler func(msg interface{})

	mu       sync.Mutex
	peers    map[string]*outboundPeer
	listener net.Listener
	stopped  bool
	wg       sync.WaitGroup
}

// outboundPeer owns the queue and connection state for sending to one
// remote node; it redials on its own whenever the connection drops.
type outboundPeer struct {
	id      string
	address string
	queue   chan interface{}
	stopCh  chan struct{}
}

// NewTCPTransport constructs a transport with the given logger (defaults
// to log.Default() when nil, matching the ambient logging convention
// every component in this module follows).
func NewTCPTransport(logger *log.Logger) *TCPTransport {
	if logger == nil {
		logger = log.Default()
	}
	return &TCPTransport{
		logger: logger,
		peers:  make(map[string]*outboundPeer),
	}
}

func (t *TCPTransport) Handler(fn func(msg interface{})) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// Start begins listening at address for inbound connections and records
// nodeID as this transport's own identity (used only for logging — the
// wire header already carries sender/recipient ids set by pkg/raft).
func (t *TCPTransport) Start(nodeID, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.id = nodeID
	t.listener = ln
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if stopped {
				return
			}
			t.logger.Printf("[%s] transport: accept error: %v", t.id, err)
			continue
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn reads frames from one inbound connection until it closes,
// dispatching each to the registered handler. A peer may open more than
// one inbound connection over the node's lifetime (after a redial); each
// gets its own reader goroutine.
func (t *TCPTransport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		msg, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				t.logger.Printf("[%s] transport: read from %s: %v", t.id, conn.RemoteAddr(), err)
			}
			return
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

// Send enqueues msg for delivery to recipientID over that peer's
// dedicated connection, lazily creating the outbound peer's queue on first
// use. Send starts no dial loop: a peer first seen here gets a queue only,
// and SetPeer later replaces it with a fresh queue and starts dialing, so
// messages queued before SetPeer are not delivered. It never blocks: if
// the peer's queue is full, the message is dropped and Send returns false.
func (t *TCPTransport) Send(recipientID string, msg interface{}) bool {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return false
	}
	p, ok := t.peers[recipientID]
	if !ok {
		p = &outboundPeer{id: recipientID, queue: make(chan interface{}, sendQueueSize), stopCh: make(chan struct{})}
		t.peers[recipientID] = p
	}
	t.mu.Unlock()

	select {
	case p.queue <- msg:
		return true
	default:
		return false
	}
}

// SetPeer registers (or updates) the address a peer id dials at and
// starts its redial loop. It implements raft.AddressAware: pkg/raft
// calls this once per configured peer on Start, and again whenever a
// membership change adds a node.
func (t *TCPTransport) SetPeer(id, address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	p, ok := t.peers[id]
	if ok && p.address == address {
		return
	}
	if ok {
		close(p.stopCh)
	}
	p = &outboundPeer{id: id, address: address, queue: make(chan interface{}, sendQueueSize), stopCh: make(chan struct{})}
	t.peers[id] = p
	t.wg.Add(1)
	go t.dialLoop(p)
}

// RemovePeer stops dialing a peer. It implements raft.AddressAware,
// called when a membership change removes a node from the cluster.
func (t *TCPTransport) RemovePeer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		close(p.stopCh)
		delete(t.peers, id)
	}
}

// dialLoop maintains one outbound connection to p.address, writing
// whatever arrives on p.queue, and redialing with a fixed backoff
// whenever the connection drops.
func (t *TCPTransport) dialLoop(p *outboundPeer) {
	defer t.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", p.address, dialTimeout)
		if err != nil {
			select {
			case <-time.After(redialBackoff):
			case <-p.stopCh:
				return
			}
			continue
		}

		t.writeLoop(conn, p)
		conn.Close()

		select {
		case <-time.After(redialBackoff):
		case <-p.stopCh:
			return
		}
	}
}

// writeLoop drains p.queue onto conn until the connection fails or the
// peer is torn down, at which point dialLoop redials.
func (t *TCPTransport) writeLoop(conn net.Conn, p *outboundPeer) {
	w := bufio.NewWriter(conn)
	flush := time.NewTicker(10 * time.Millisecond)
	defer flush.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.queue:
			if err := writeFrame(w, msg); err != nil {
				t.logger.Printf("[%s] transport: write to %s: %v", t.id, p.id, err)
				return
			}
		case <-flush.C:
			if err := w.Flush(); err != nil {
				return
			}
			continue
		}
		if len(p.queue) == 0 {
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

// Stop closes the listener and every outbound connection. Already
// in-flight frames may be lost; callers that need a clean shutdown
// should stop submitting to pkg/raft first.
func (t *TCPTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	if t.listener != nil {
		t.listener.Close()
	}
	for _, p := range t.peers {
		close(p.stopCh)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

var (
	_ raft.Transport    = (*TCPTransport)(nil)
	_ raft.AddressAware = (*TCPTransport)(nil)
)
