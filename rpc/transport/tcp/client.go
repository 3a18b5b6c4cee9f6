package tcp

import (
	"context"
	"net"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/ValentinKolb/vbKV/rpc/transport/base"
)

const keepAlivePeriod = 15 * time.Second

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct {
	dialer net.Dialer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, addr vbmap.NodeAddress) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", addr.String())
}

// UpgradeConnection disables Nagle's algorithm, requests are small and
// latency bound, and enables keep-alive so dead peers are noticed
func (c *clientConnector) UpgradeConnection(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return err
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}
	return tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewNodeFactory creates TCP node transports sharing opts
func NewNodeFactory(opts base.NodeOptions) transport.NodeFactory {
	connector := &clientConnector{}
	return func(addr vbmap.NodeAddress) transport.INodeTransport {
		return base.NewNodeConnection(connector, addr, opts)
	}
}
