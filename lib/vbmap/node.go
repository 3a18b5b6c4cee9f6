package vbmap

import (
	"fmt"
	"net"
	"strconv"
)

// NodeAddress identifies a data node. Two addresses are the same node if and
// only if they are equal.
type NodeAddress struct {
	Host string
	Port int
}

// String returns host:port.
func (a NodeAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether a is the zero address.
func (a NodeAddress) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseNodeAddress parses a host:port string.
func ParseNodeAddress(s string) (NodeAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return NodeAddress{}, fmt.Errorf("invalid port in node address %q", s)
	}
	return NodeAddress{Host: host, Port: port}, nil
}

// Node is a member of the node list of a PartitionMap.
type Node struct {
	Address NodeAddress
	// Healthy is the server-reported status at the time the map was built.
	// Reachability as seen by this client is tracked by its connection.
	Healthy bool
}
