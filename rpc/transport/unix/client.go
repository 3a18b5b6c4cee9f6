package unix

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/ValentinKolb/vbKV/rpc/transport/base"
)

// SocketPath maps a node address to its socket inside dir. Addresses stay the
// identity of a node; the socket path is only how it is reached.
func SocketPath(dir string, addr vbmap.NodeAddress) string {
	host := strings.NewReplacer(":", "_", "/", "_").Replace(addr.Host)
	return filepath.Join(dir, "vbkv-"+host+"-"+strconv.Itoa(addr.Port)+".sock")
}

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct {
	dir    string
	dialer net.Dialer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see base.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(ctx context.Context, addr vbmap.NodeAddress) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "unix", SocketPath(c.dir, addr))
}

func (c *clientConnector) UpgradeConnection(net.Conn) error {
	return nil
}

// --------------------------------------------------------------------------
// Client Transport Factory Method
// --------------------------------------------------------------------------

// NewNodeFactory creates Unix socket node transports for sockets in
// opts.Config.SocketDir
func NewNodeFactory(opts base.NodeOptions) transport.NodeFactory {
	connector := &clientConnector{dir: opts.Config.SocketDir}
	return func(addr vbmap.NodeAddress) transport.INodeTransport {
		return base.NewNodeConnection(connector, addr, opts)
	}
}
