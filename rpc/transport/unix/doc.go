// Package unix implements Unix domain socket connectors of the node protocol.
// Nodes keep their host:port identity; SocketPath maps that identity to a
// socket file inside a configured directory, which lets a whole simulated
// cluster run on one machine without ports.
package unix
