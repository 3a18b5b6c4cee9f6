// Package base implements the framed node protocol independent of the socket
// type. TCP and Unix connectors plug into it.
//
// Frames carry the target partition, a request ID and the encoded message:
//
//	| partition uint64 | requestID uint64 | length uint32 | payload |
//
// Key Components:
//
//   - NodeConnection: one per node. A writer goroutine owns the socket and the
//     outbound queue, dials lazily and parks operations while the node is down;
//     a reader goroutine per socket correlates responses through an xsync map.
//     Operations past their deadline are swept with ErrOperationTimeout.
//
//   - serverTransport: accepts connections and runs the registered handler in
//     a bounded worker pool per connection, reusing request buffers.
//
// All exported methods of NodeConnection are safe for concurrent use.
package base
