package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/ValentinKolb/vbKV/rpc/transport/base"
	"github.com/stretchr/testify/require"
)

// fixtureHasher sends the keys a, b, c and d to fixed partitions of a four
// partition map
var fixtureHasher = vbmap.HasherFunc(func(key string) uint64 {
	return map[string]uint64{"a": 2, "b": 0, "c": 3, "d": 1}[key]
})

func nodeAddr(i int) vbmap.NodeAddress {
	return vbmap.NodeAddress{Host: fmt.Sprintf("n%d", i), Port: 11210}
}

func nodesOf(ids ...int) []vbmap.Node {
	out := make([]vbmap.Node, len(ids))
	for i, id := range ids {
		out[i] = vbmap.Node{Address: nodeAddr(id), Healthy: true}
	}
	return out
}

func fixtureMap(t *testing.T, rev int64, replicas int, nodes []vbmap.Node, rows [][]int) *vbmap.PartitionMap {
	t.Helper()
	m, err := vbmap.New(vbmap.Config{
		Revision:    rev,
		Bucket:      "default",
		Hasher:      fixtureHasher,
		NumReplicas: replicas,
		Nodes:       nodes,
		Partitions:  rows,
	})
	require.NoError(t, err)
	return m
}

// --------------------------------------------------------------------------
// Fake node transport
// --------------------------------------------------------------------------

type responder func(n *fakeNode, op *common.Operation) *common.Message

// echo answers every request successfully and puts the serving node in the
// value
func echo(n *fakeNode, op *common.Operation) *common.Message {
	resp := common.NewResponse(op.Request().MsgType, common.StatusSuccess)
	resp.Value = []byte(n.addr.String())
	resp.Cas = 1
	return resp
}

type fakeNode struct {
	addr vbmap.NodeAddress
	h    *harness

	mu  sync.Mutex
	ops []*common.Operation

	active   atomic.Bool
	draining atomic.Bool
	closed   atomic.Bool
	kicks    atomic.Int32
	closes   atomic.Int32
}

func (n *fakeNode) Address() vbmap.NodeAddress { return n.addr }

func (n *fakeNode) Open(ctx context.Context) error {
	if gate := n.h.gate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n.h.isDown(n.addr) {
		return errors.New("connection refused")
	}
	n.active.Store(true)
	return nil
}

func (n *fakeNode) Enqueue(op *common.Operation) error {
	if n.closed.Load() {
		return common.ErrNodeShutdown
	}
	if n.draining.Load() {
		return common.ErrConnectionClosing
	}
	n.mu.Lock()
	n.ops = append(n.ops, op)
	n.mu.Unlock()

	if n.active.Load() {
		if resp := n.h.respond(n, op); resp != nil {
			n.h.onResponse(n.addr, op, resp)
		}
	}
	return nil
}

func (n *fakeNode) IsActive() bool { return n.active.Load() }
func (n *fakeNode) Kick()          { n.kicks.Add(1) }
func (n *fakeNode) Drain()         { n.draining.Store(true) }

func (n *fakeNode) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending := 0
	for _, op := range n.ops {
		if !op.IsDone() {
			pending++
		}
	}
	return pending
}

func (n *fakeNode) Close() error {
	n.closed.Store(true)
	n.closes.Add(1)
	return nil
}

// received returns the keys of all operations enqueued on n
func (n *fakeNode) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, len(n.ops))
	for i, op := range n.ops {
		keys[i] = op.Key()
	}
	return keys
}

// --------------------------------------------------------------------------
// Harness
// --------------------------------------------------------------------------

// harness is a client whose node connections are fakeNodes
type harness struct {
	t          *testing.T
	client     *Client
	onResponse transport.ResponseFunc
	respond    responder
	gate       chan struct{}

	mu    sync.Mutex
	conns map[vbmap.NodeAddress][]*fakeNode
	down  map[vbmap.NodeAddress]bool
}

func testConfig(mode common.FailureMode) common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.Transport.OpTimeout = time.Second
	cfg.Transport.ConnectTimeout = time.Second
	cfg.Routing.FailureMode = mode
	cfg.Routing.ShutdownGrace = 100 * time.Millisecond
	cfg.Routing.MaxRedirects = 2
	cfg.Routing.RetryDelay = 10 * time.Millisecond
	cfg.Durability.PollInterval = 5 * time.Millisecond
	cfg.Durability.MaxPolls = 3
	cfg.Durability.ObserveWindow = 200 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, mode common.FailureMode) *harness {
	h := &harness{
		t:       t,
		respond: echo,
		conns:   make(map[vbmap.NodeAddress][]*fakeNode),
		down:    make(map[vbmap.NodeAddress]bool),
	}
	c, err := newClient("test", testConfig(mode), func(opts base.NodeOptions) transport.NodeFactory {
		h.onResponse = opts.OnResponse
		return h.create
	})
	require.NoError(t, err)
	h.client = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func (h *harness) create(addr vbmap.NodeAddress) transport.INodeTransport {
	n := &fakeNode{addr: addr, h: h}
	h.mu.Lock()
	h.conns[addr] = append(h.conns[addr], n)
	h.mu.Unlock()
	return n
}

func (h *harness) isDown(addr vbmap.NodeAddress) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.down[addr]
}

func (h *harness) setDown(addr vbmap.NodeAddress, down bool) {
	h.mu.Lock()
	h.down[addr] = down
	h.mu.Unlock()
}

// node returns the newest connection created for addr
func (h *harness) node(addr vbmap.NodeAddress) *fakeNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := h.conns[addr]
	require.NotEmpty(h.t, conns, "no connection to %s", addr)
	return conns[len(conns)-1]
}

// created returns how many connections were created for addr
func (h *harness) created(addr vbmap.NodeAddress) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[addr])
}

func (h *harness) apply(m *vbmap.PartitionMap) bool {
	applied, err := h.client.topo.OnNewPartitionMap(context.Background(), m)
	require.NoError(h.t, err)
	return applied
}

type opResult struct {
	resp *common.Message
	err  error
}

// route sends a get for key through the router and waits for its outcome
func (h *harness) route(key string) opResult {
	ch := make(chan opResult, 1)
	op := common.NewOperation(common.NewGetRequest(key), time.Second, func(resp *common.Message, err error) {
		ch <- opResult{resp, err}
	})
	h.client.router.Route(op)
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		h.t.Fatalf("operation on %q did not complete", key)
		return opResult{}
	}
}

// routeAsync sends a get for key and returns the operation without waiting
func (h *harness) routeAsync(key string) (*common.Operation, <-chan opResult) {
	ch := make(chan opResult, 1)
	op := common.NewOperation(common.NewGetRequest(key), time.Second, func(resp *common.Message, err error) {
		ch <- opResult{resp, err}
	})
	h.client.router.Route(op)
	return op, ch
}
