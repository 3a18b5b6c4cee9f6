package simcluster

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/ValentinKolb/vbKV/rpc/serializer"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/ValentinKolb/vbKV/rpc/transport/tcp"
	"github.com/ValentinKolb/vbKV/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("sim")

// unixBasePort numbers the made-up addresses of unix socket nodes
const unixBasePort = 20000

// Options configures a simulated cluster.
type Options struct {
	Bucket        string
	Username      string
	Password      string
	Partitions    int
	Replicas      int
	Nodes         int
	HashAlgorithm vbmap.HashAlgorithm
	// Transport is "tcp" or "unix"
	Transport string
	// SocketDir holds the node sockets of the unix transport
	SocketDir  string
	Serializer string
	// HTTPAddr is the listen address of the configuration service
	HTTPAddr string
	// ReplicationDelay is the time a write needs to reach the replicas
	ReplicationDelay time.Duration
	// PersistDelay is the time a write needs to reach disk
	PersistDelay time.Duration
}

// DefaultOptions returns a three node tcp cluster with one replica.
func DefaultOptions() Options {
	return Options{
		Bucket:           "default",
		Partitions:       64,
		Replicas:         1,
		Nodes:            3,
		HashAlgorithm:    vbmap.HashCRC,
		Transport:        "tcp",
		SocketDir:        "/tmp",
		Serializer:       "binary",
		HTTPAddr:         "127.0.0.1:0",
		ReplicationDelay: 5 * time.Millisecond,
		PersistDelay:     10 * time.Millisecond,
	}
}

// Cluster is an in-process cluster of data nodes plus the configuration
// service that publishes their partition map.
type Cluster struct {
	opts Options
	ser  serializer.IRPCSerializer

	mu       sync.Mutex
	members  []*Node
	nextUnix int
	revision int64

	current      atomic.Pointer[vbmap.PartitionMap]
	cas          atomic.Uint64
	persistOff   atomic.Bool
	streams      *xsync.MapOf[uint64, chan *vbmap.PartitionMap]
	nextStreamID atomic.Uint64

	httpSrv  *http.Server
	httpAddr string
	closed   atomic.Bool
}

// Start creates the nodes, publishes the first map and starts the
// configuration service.
func Start(opts Options) (*Cluster, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	ser, err := serializer.ByName(opts.Serializer)
	if err != nil {
		return nil, err
	}
	c := &Cluster{
		opts:    opts,
		ser:     ser,
		streams: xsync.NewMapOf[uint64, chan *vbmap.PartitionMap](),
	}

	for range opts.Nodes {
		n, err := c.newNode()
		if err != nil {
			c.Close()
			return nil, err
		}
		c.members = append(c.members, n)
	}
	if err := c.rebalance(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.serveHTTP(); err != nil {
		c.Close()
		return nil, err
	}
	Logger.Infof("Cluster with %d nodes and %d partitions serving bucket %s at %s",
		opts.Nodes, opts.Partitions, opts.Bucket, c.ConfigEndpoint())
	return c, nil
}

func (o *Options) validate() error {
	var errs []error
	if o.Bucket == "" {
		o.Bucket = "default"
	}
	if o.Partitions <= 0 {
		errs = append(errs, errors.New("partitions must be positive"))
	}
	if o.Replicas < 0 {
		errs = append(errs, errors.New("replicas must not be negative"))
	}
	if o.Nodes <= 0 {
		errs = append(errs, errors.New("a cluster needs at least one node"))
	}
	if o.HashAlgorithm == "" {
		o.HashAlgorithm = vbmap.HashCRC
	}
	if _, err := o.HashAlgorithm.Hasher(); err != nil {
		errs = append(errs, err)
	}
	switch o.Transport {
	case "":
		o.Transport = "tcp"
	case "tcp", "unix":
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q, must be tcp or unix", o.Transport))
	}
	if o.SocketDir == "" {
		o.SocketDir = "/tmp"
	}
	if o.HTTPAddr == "" {
		o.HTTPAddr = "127.0.0.1:0"
	}
	return errors.Join(errs...)
}

func (c *Cluster) newServerTransport() transport.IRPCServerTransport {
	if c.opts.Transport == "unix" {
		return unix.NewUnixServerTransport()
	}
	return tcp.NewTCPServerTransport()
}

// newNode creates and starts a node that is not yet part of the map
func (c *Cluster) newNode() (*Node, error) {
	n := &Node{cluster: c, store: newDocStore()}
	if c.opts.Transport == "unix" {
		c.nextUnix++
		n.addr = vbmap.NodeAddress{Host: "127.0.0.1", Port: unixBasePort + c.nextUnix}
		n.endpoint = unix.SocketPath(c.opts.SocketDir, n.addr)
	} else {
		n.endpoint = "127.0.0.1:0"
	}
	if err := n.start(); err != nil {
		return nil, err
	}
	return n, nil
}

// --------------------------------------------------------------------------
// Partition Map
// --------------------------------------------------------------------------

// rebalance lays the partitions out over the current members, moves the
// documents of every partition to its new owners and publishes the map.
// retired are former members that still serve as migration sources. Must be
// called with c.mu held or before the cluster is shared.
func (c *Cluster) rebalance(retired ...*Node) error {
	nodes := make([]vbmap.Node, len(c.members))
	for i, n := range c.members {
		nodes[i] = vbmap.Node{Address: n.addr, Healthy: true}
	}
	m, err := vbmap.New(vbmap.Config{
		Revision:      c.revision + 1,
		Bucket:        c.opts.Bucket,
		HashAlgorithm: c.opts.HashAlgorithm,
		NumReplicas:   c.opts.Replicas,
		Nodes:         nodes,
		Partitions:    vbmap.Layout(len(nodes), c.opts.Partitions, c.opts.Replicas),
	})
	if err != nil {
		return err
	}
	c.revision++
	if old := c.Map(); old != nil {
		moved := c.migrate(old, m, append(slices.Clone(c.members), retired...))
		Logger.Debugf("Rebalance to revision %d copied %d documents", m.Revision(), moved)
	}
	c.current.Store(m)
	c.publish(m)
	Logger.Infof("Published map revision %d with %d nodes", m.Revision(), len(nodes))
	return nil
}

// migrate copies every partition from its old master (or the first surviving
// old replica) to all of its owners in next. Former replicas are included
// since replication is asynchronous and may not have reached them yet. It
// returns the number of copied documents.
func (c *Cluster) migrate(old, next *vbmap.PartitionMap, nodes []*Node) int {
	lookup := func(addr vbmap.NodeAddress) *Node {
		for _, n := range nodes {
			if n.addr == addr {
				return n
			}
		}
		return nil
	}
	moved := 0
	for p := range next.PartitionCount() {
		var source *Node
		for addr := range old.FailoverSequence(p) {
			if source = lookup(addr); source != nil {
				break
			}
		}
		if source == nil {
			continue
		}
		inPartition := func(key string) bool { return next.PartitionIndexOf(key) == p }
		for addr := range next.FailoverSequence(p) {
			if dst := lookup(addr); dst != nil && dst != source {
				moved += source.store.copyMatching(dst.store, inPartition)
			}
		}
	}
	return moved
}

// publish pushes m to every open configuration stream
func (c *Cluster) publish(m *vbmap.PartitionMap) {
	c.streams.Range(func(id uint64, ch chan *vbmap.PartitionMap) bool {
		select {
		case ch <- m:
		default:
			// the subscriber is stuck, drop it so it reconnects
			if _, ok := c.streams.LoadAndDelete(id); ok {
				close(ch)
			}
		}
		return true
	})
}

// Map returns the currently published map
func (c *Cluster) Map() *vbmap.PartitionMap { return c.current.Load() }

// node returns the member with addr, nil if there is none
func (c *Cluster) node(addr vbmap.NodeAddress) *Node {
	for _, n := range c.members {
		if n.addr == addr {
			return n
		}
	}
	return nil
}

// Node returns the member with addr
func (c *Cluster) Node(addr vbmap.NodeAddress) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.node(addr)
	return n, n != nil
}

// Nodes returns the addresses of all members in map order
func (c *Cluster) Nodes() []vbmap.NodeAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]vbmap.NodeAddress, len(c.members))
	for i, n := range c.members {
		out[i] = n.addr
	}
	return out
}

// MasterOf returns the node currently mastering key
func (c *Cluster) MasterOf(key string) (*Node, bool) {
	m := c.Map()
	addr, ok := m.Master(m.PartitionIndexOf(key))
	if !ok {
		return nil, false
	}
	return c.Node(addr)
}

// --------------------------------------------------------------------------
// Topology Changes
// --------------------------------------------------------------------------

// AddNode starts a new node and rebalances the partitions onto it
func (c *Cluster) AddNode() (vbmap.NodeAddress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.newNode()
	if err != nil {
		return vbmap.NodeAddress{}, err
	}
	c.members = append(c.members, n)
	if err := c.rebalance(); err != nil {
		c.members = c.members[:len(c.members)-1]
		n.stop()
		return vbmap.NodeAddress{}, err
	}
	return n.addr, nil
}

// RemoveNode rebalances the partitions away from addr and then stops it
func (c *Cluster) RemoveNode(addr vbmap.NodeAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.members, func(n *Node) bool { return n.addr == addr })
	if i < 0 {
		return fmt.Errorf("node %s is not a member", addr)
	}
	if len(c.members) == 1 {
		return errors.New("cannot remove the last node")
	}
	n := c.members[i]
	c.members = slices.Delete(c.members, i, i+1)
	if err := c.rebalance(n); err != nil {
		c.members = slices.Insert(c.members, i, n)
		return err
	}
	n.stop()
	return nil
}

// StopNode closes the node's socket while it stays in the map, like a crashed
// node before it was failed over
func (c *Cluster) StopNode(addr vbmap.NodeAddress) error {
	n, ok := c.Node(addr)
	if !ok {
		return fmt.Errorf("node %s is not a member", addr)
	}
	n.stop()
	return nil
}

// StartNode restarts a stopped node on its old address
func (c *Cluster) StartNode(addr vbmap.NodeAddress) error {
	n, ok := c.Node(addr)
	if !ok {
		return fmt.Errorf("node %s is not a member", addr)
	}
	return n.start()
}

// SetUnresponsive makes the node accept requests without ever answering
func (c *Cluster) SetUnresponsive(addr vbmap.NodeAddress, unresponsive bool) error {
	n, ok := c.Node(addr)
	if !ok {
		return fmt.Errorf("node %s is not a member", addr)
	}
	n.unresponsive.Store(unresponsive)
	return nil
}

// SetPersistence turns the simulated disk writes on or off. While off no
// write becomes persisted.
func (c *Cluster) SetPersistence(enabled bool) {
	c.persistOff.Store(!enabled)
}

// Modify overwrites key on its master behind the clients' back and returns
// the new CAS
func (c *Cluster) Modify(key string, value []byte) (uint64, error) {
	n, ok := c.MasterOf(key)
	if !ok {
		return 0, fmt.Errorf("no master for %q", key)
	}
	m := c.Map()
	p := m.PartitionIndexOf(key)
	doc, status := n.store.mutate(common.NewSetRequest(key, value, 0, 0), c.nextCas(), time.Now())
	if status != common.StatusSuccess {
		return 0, fmt.Errorf("modify %q: %s", key, status)
	}
	c.afterWrite(n, p, key, doc)
	return doc.cas, nil
}

// DropStreams ends every open configuration stream
func (c *Cluster) DropStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	c.streams.Range(func(id uint64, ch chan *vbmap.PartitionMap) bool {
		if _, ok := c.streams.LoadAndDelete(id); ok {
			close(ch)
			dropped++
		}
		return true
	})
	Logger.Infof("Dropped %d configuration streams", dropped)
	return dropped
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

func (c *Cluster) nextCas() uint64 { return c.cas.Add(1) }

// afterWrite persists doc on the master and replicates it to the replicas of
// partition p, each after its configured delay
func (c *Cluster) afterWrite(master *Node, p int, key string, doc document) {
	c.schedulePersist(master, key, doc.cas)
	time.AfterFunc(c.opts.ReplicationDelay, func() {
		m := c.Map()
		for _, addr := range m.Replicas(p) {
			n, ok := c.Node(addr)
			if !ok || !n.Running() {
				continue
			}
			n.store.put(key, doc)
			c.schedulePersist(n, key, doc.cas)
		}
	})
}

func (c *Cluster) schedulePersist(n *Node, key string, cas uint64) {
	if c.persistOff.Load() {
		return
	}
	time.AfterFunc(c.opts.PersistDelay, func() {
		if !c.persistOff.Load() {
			n.store.persist(key, cas)
		}
	})
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// ConfigEndpoint returns the base URL of the configuration service
func (c *Cluster) ConfigEndpoint() string { return "http://" + c.httpAddr }

// ClientConfig returns a client configuration pointing at the cluster
func (c *Cluster) ClientConfig() common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.Bootstrap.Endpoints = []string{c.ConfigEndpoint()}
	cfg.Bootstrap.Bucket = c.opts.Bucket
	cfg.Bootstrap.Username = c.opts.Username
	cfg.Bootstrap.Password = c.opts.Password
	cfg.Transport.Type = c.opts.Transport
	cfg.Transport.SocketDir = c.opts.SocketDir
	cfg.Transport.Serializer = c.opts.Serializer
	return cfg
}

// Close stops the configuration service and every node
func (c *Cluster) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.DropStreams()
	if c.httpSrv != nil {
		_ = c.httpSrv.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.members {
		n.stop()
	}
	Logger.Infof("Cluster stopped")
}

// listen binds the configuration service's address
func listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("configuration service: %w", err)
	}
	return l, nil
}
