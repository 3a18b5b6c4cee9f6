package transport

import (
	"context"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ServerHandleFunc is a function type that handles incoming requests.
// It takes the partition from the frame header and the encoded request. A nil
// response means the request is left unanswered.
type ServerHandleFunc func(partition uint64, req []byte) (resp []byte)

// IRPCServerTransport is the interface of the node side of the protocol
type IRPCServerTransport interface {
	// RegisterHandler registers the handler called for every request frame
	RegisterHandler(handler ServerHandleFunc)
	// Listen binds endpoint and serves connections in the background. It
	// returns the bound address, which differs from endpoint for port 0.
	Listen(endpoint string) (addr string, err error)
	// Close stops accepting and drops every open connection
	Close() error
}

// --------------------------------------------------------------------------
// Node Transport
// --------------------------------------------------------------------------

// ResponseFunc receives every decoded response together with the operation it
// answers. It is called from the connection's reader goroutine.
type ResponseFunc func(from vbmap.NodeAddress, op *common.Operation, resp *common.Message)

// OrphanFunc receives operations a connection gave up on without an answer:
// queued operations of a closed connection and in-flight operations of a
// broken socket. err says why.
type OrphanFunc func(from vbmap.NodeAddress, op *common.Operation, err error)

// INodeTransport is the capability the router and the topology manager need
// from the connection to one node.
type INodeTransport interface {
	// Address returns the node this transport talks to
	Address() vbmap.NodeAddress
	// Open dials the node. A failed dial leaves the transport usable but
	// inactive; it redials lazily when operations are queued.
	Open(ctx context.Context) error
	// Enqueue appends op to the outbound queue without blocking. It fails
	// with common.ErrConnectionClosing once Drain was called.
	Enqueue(op *common.Operation) error
	// IsActive reports whether the socket is currently connected
	IsActive() bool
	// Kick asks an inactive transport to redial
	Kick()
	// Drain stops accepting new operations
	Drain()
	// Pending returns the number of queued and in-flight operations
	Pending() int
	// Close stops the transport. Queued operations are handed to the orphan
	// handler, in-flight operations are cancelled.
	Close() error
}

// NodeFactory creates the transport for one node.
type NodeFactory func(addr vbmap.NodeAddress) INodeTransport
