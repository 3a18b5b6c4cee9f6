// Package transport defines the contracts between the router and the node
// connections, and between the simulated nodes and their listeners.
//
// Key Components:
//
//   - INodeTransport: the capability the router depends on: Enqueue, IsActive
//     and Close plus the drain and redial hooks the topology manager needs.
//     The router never sees a concrete connection type.
//
//   - ResponseFunc/OrphanFunc: callbacks a node transport uses to hand
//     responses and abandoned operations back to the router.
//
//   - IRPCServerTransport: the node side, used by the simulated cluster.
package transport
