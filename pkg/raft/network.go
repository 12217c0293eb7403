package raft

// Transport is the network adapter the core depends on. pkg/transport
// implements it with a framed TCP connection per spec wire format;
// pkg/simulation implements it in-memory for deterministic tests with
// partitions, latency, and message loss.
type Transport interface {
	// Send delivers msg to recipientID. It is non-blocking: if the
	// outbound queue to that peer is full, Send drops the message and
	// returns false rather than blocking the caller. msg is one of the
	// *Request/*Response/*Vote/*Snapshot types declared in messages.go.
	Send(recipientID string, msg interface{}) bool

	// Handler registers the callback invoked for every message addressed
	// to this node. The core calls it once during Start.
	Handler(fn func(msg interface{}))

	// Start begins accepting/dispatching messages for nodeID at address.
	Start(nodeID, address string) error

	// Stop shuts the transport down.
	Stop() error
}

// AddressAware is an optional capability a Transport can implement when it
// dials peers explicitly rather than accepting connections anonymously
// (pkg/transport.TCPTransport does; pkg/simulation's in-memory transport
// does not need to). The core calls SetPeer once per configured peer on
// Start and again whenever a membership change adds a node, so the
// transport always knows where to dial before the first Send to that id.
type AddressAware interface {
	SetPeer(id, address string)
	RemovePeer(id string)
}
