package simcluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/ValentinKolb/vbKV/rpc/transport"
)

// role of a node for one partition
type role int

const (
	roleNone role = iota
	roleMaster
	roleReplica
)

// Node is one simulated data node. It serves the framed protocol for the
// partitions the cluster's current map assigns to it.
type Node struct {
	cluster  *Cluster
	addr     vbmap.NodeAddress
	endpoint string
	store    *docStore

	mu           sync.Mutex
	srv          transport.IRPCServerTransport
	unresponsive atomic.Bool
	requests     atomic.Uint64
}

// Address returns the address the node is published under
func (n *Node) Address() vbmap.NodeAddress { return n.addr }

// Requests returns how many requests the node received
func (n *Node) Requests() uint64 { return n.requests.Load() }

// Running reports whether the node accepts connections
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.srv != nil
}

// start binds the node's endpoint. For tcp nodes without a port the bound
// port becomes part of the node's address.
func (n *Node) start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.srv != nil {
		return nil
	}
	srv := n.cluster.newServerTransport()
	srv.RegisterHandler(n.handle)
	bound, err := srv.Listen(n.endpoint)
	if err != nil {
		return fmt.Errorf("node %s: %w", n.addr, err)
	}
	if n.cluster.opts.Transport == "tcp" && n.addr.Port == 0 {
		addr, err := vbmap.ParseNodeAddress(bound)
		if err != nil {
			_ = srv.Close()
			return err
		}
		n.addr = addr
		n.endpoint = bound
	}
	n.srv = srv
	Logger.Infof("Node %s listening on %s", n.addr, bound)
	return nil
}

// stop closes the listener and every client connection
func (n *Node) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.srv == nil {
		return
	}
	if err := n.srv.Close(); err != nil {
		Logger.Warningf("Stopping node %s: %v", n.addr, err)
	}
	n.srv = nil
	Logger.Infof("Node %s stopped", n.addr)
}

// --------------------------------------------------------------------------
// Request Handling
// --------------------------------------------------------------------------

// handle decodes a request frame, dispatches it and encodes the response. An
// unresponsive node swallows the request.
func (n *Node) handle(partition uint64, req []byte) []byte {
	n.requests.Add(1)
	if n.unresponsive.Load() {
		return nil
	}
	ser := n.cluster.ser

	var msg common.Message
	var resp *common.Message
	if err := ser.Deserialize(req, &msg); err != nil {
		resp = common.NewErrorResponse(common.StatusInternal, fmt.Sprintf("failed to deserialize request: %s", err))
	} else {
		resp = n.dispatch(int(partition), &msg)
	}

	out, err := ser.Serialize(*resp)
	if err != nil {
		out, _ = ser.Serialize(*common.NewErrorResponse(common.StatusInternal, fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return out
}

// dispatch runs one request against the node's store
func (n *Node) dispatch(p int, req *common.Message) *common.Message {
	m := n.cluster.Map()
	if p < 0 || p >= m.PartitionCount() || m.PartitionIndexOf(req.Key) != p {
		return common.NewErrorResponse(common.StatusInternal, fmt.Sprintf("key %q does not belong to partition %d", req.Key, p))
	}
	r := roleOf(m, p, n.addr)
	now := time.Now()

	switch req.MsgType {
	case common.MsgTGet:
		if r != roleMaster {
			return notMine(m, p, req.MsgType)
		}
		return n.read(req, now)

	case common.MsgTGetReplica:
		if r != roleReplica {
			return notMine(m, p, req.MsgType)
		}
		return n.read(req, now)

	case common.MsgTSet, common.MsgTAdd, common.MsgTReplace, common.MsgTDelete:
		if r != roleMaster {
			return notMine(m, p, req.MsgType)
		}
		doc, status := n.store.mutate(req, n.cluster.nextCas(), now)
		resp := common.NewResponse(req.MsgType, status)
		if status == common.StatusSuccess {
			resp.Cas = doc.cas
			n.cluster.afterWrite(n, p, req.Key, doc)
		}
		return resp

	case common.MsgTObserve:
		if r == roleNone {
			return notMine(m, p, req.MsgType)
		}
		resp := common.NewResponse(common.MsgTObserve, common.StatusSuccess)
		resp.Observe, resp.Cas = n.store.observe(req.Key, req.Cas, now)
		return resp

	default:
		return common.NewErrorResponse(common.StatusInternal, fmt.Sprintf("unsupported message type: %s", req.MsgType))
	}
}

func (n *Node) read(req *common.Message, now time.Time) *common.Message {
	doc, ok := n.store.get(req.Key, now)
	if !ok {
		return common.NewResponse(req.MsgType, common.StatusKeyNotFound)
	}
	resp := common.NewResponse(req.MsgType, common.StatusSuccess)
	resp.Value = doc.value
	resp.Cas = doc.cas
	return resp
}

// notMine answers a request for a partition the node does not serve, naming
// the current master as hint
func notMine(m *vbmap.PartitionMap, p int, t common.MessageType) *common.Message {
	hint := ""
	if master, ok := m.Master(p); ok {
		hint = master.String()
	}
	return common.NewNotMyPartitionResponse(t, hint)
}

func roleOf(m *vbmap.PartitionMap, p int, addr vbmap.NodeAddress) role {
	if master, ok := m.Master(p); ok && master == addr {
		return roleMaster
	}
	for _, r := range m.Replicas(p) {
		if r == addr {
			return roleReplica
		}
	}
	return roleNone
}
