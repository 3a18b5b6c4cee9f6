// Package tcp implements the TCP connectors of the node protocol on top of
// the base package: node transports for the client and a server transport
// for the simulated cluster.
package tcp
