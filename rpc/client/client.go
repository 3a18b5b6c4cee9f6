package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/ValentinKolb/vbKV/rpc/config"
	"github.com/ValentinKolb/vbKV/rpc/serializer"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/ValentinKolb/vbKV/rpc/transport/base"
	"github.com/ValentinKolb/vbKV/rpc/transport/tcp"
	"github.com/ValentinKolb/vbKV/rpc/transport/unix"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("client")

// --------------------------------------------------------------------------
// Results and Options
// --------------------------------------------------------------------------

// GetResult is the outcome of a read.
type GetResult struct {
	Value []byte
	Cas   uint64
}

// MutationOptions are the optional parameters of a write.
type MutationOptions struct {
	// Cas makes the write conditional on the stored CAS, 0 means unconditional
	Cas uint64
	// Expiry is the lifetime of the document, 0 means forever
	Expiry time.Duration
	// Durability is observed after the write succeeded
	Durability common.DurabilityRequirement
}

// MutationResult is the outcome of a write. Durability is nil if no
// requirement was given.
type MutationResult struct {
	Cas        uint64
	Durability *ObserveOutcome
}

// --------------------------------------------------------------------------
// Client
// --------------------------------------------------------------------------

// Client is a topology-aware connection to one bucket. It follows the
// partition map of the bucket and sends every operation straight to the node
// that owns the key.
type Client struct {
	id       string
	cfg      common.ClientConfig
	source   *config.Source
	topo     *TopologyManager
	router   *Router
	observer *Observer
	metrics  *clientMetrics

	// newest map that is waiting to be applied
	pending atomic.Pointer[vbmap.PartitionMap]

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewClient bootstraps a client from the configuration service and keeps
// following the bucket's map until Close is called. It fails if no map could
// be loaded within the configured retries.
func NewClient(ctx context.Context, cfg common.ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	src, err := config.NewSource(cfg.Bootstrap, id)
	if err != nil {
		return nil, err
	}
	ser, err := serializer.ByName(cfg.Transport.Serializer)
	if err != nil {
		return nil, err
	}

	c, err := newClient(id, cfg, func(opts base.NodeOptions) transport.NodeFactory {
		opts.Serializer = ser
		if cfg.Transport.Type == "unix" {
			return unix.NewNodeFactory(opts)
		}
		return tcp.NewNodeFactory(opts)
	})
	if err != nil {
		return nil, err
	}
	c.source = src

	m, err := src.FetchInitial(ctx)
	if err != nil {
		_ = c.topo.Close()
		return nil, err
	}
	if _, err := c.topo.OnNewPartitionMap(ctx, m); err != nil {
		_ = c.topo.Close()
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.follow(streamCtx)

	Logger.Infof("Client %s bootstrapped bucket %s at revision %d with %d nodes", id, m.Bucket(), m.Revision(), len(m.Nodes()))
	return c, nil
}

// newClient wires the components. buildFactory receives the options carrying
// the router hooks and returns the connection factory.
func newClient(id string, cfg common.ClientConfig, buildFactory func(opts base.NodeOptions) transport.NodeFactory) (*Client, error) {
	c := &Client{id: id, cfg: cfg, metrics: newClientMetrics(id)}

	var factory transport.NodeFactory
	c.topo = NewTopologyManager(func(addr vbmap.NodeAddress) transport.INodeTransport {
		return factory(addr)
	}, cfg.Transport.ConnectTimeout, cfg.Routing.ShutdownGrace, c.metrics)

	router, err := NewRouter(c.topo, RouterOptions{
		Mode:         cfg.Routing.FailureMode,
		MaxRedirects: cfg.Routing.MaxRedirects,
		RetryDelay:   cfg.Routing.RetryDelay,
	}, c.metrics)
	if err != nil {
		return nil, err
	}
	c.router = router
	c.observer = NewObserver(router, ObserveOptions{
		PollInterval: cfg.Durability.PollInterval,
		MaxPolls:     cfg.Durability.MaxPolls,
		Window:       cfg.Durability.ObserveWindow,
	}, c.metrics)

	factory = buildFactory(base.NodeOptions{
		Config:     cfg.Transport,
		OnResponse: router.onResponse,
		OnOrphan:   router.onOrphan,
	})

	c.metrics.set.NewGauge(fmt.Sprintf(`vbkv_partition_map_revision{client=%q}`, id), func() float64 {
		if m := c.topo.Map(); m != nil {
			return float64(m.Revision())
		}
		return 0
	})
	c.metrics.set.NewGauge(fmt.Sprintf(`vbkv_node_connections{client=%q}`, id), func() float64 {
		return float64(c.topo.countConnections(false))
	})
	c.metrics.set.NewGauge(fmt.Sprintf(`vbkv_node_connections_active{client=%q}`, id), func() float64 {
		return float64(c.topo.countConnections(true))
	})
	return c, nil
}

// follow applies the maps of the configuration stream until ctx ends
func (c *Client) follow(ctx context.Context) {
	defer c.wg.Done()
	for ev := range c.source.Subscribe(ctx) {
		switch ev.Kind {
		case config.EventUpdate:
			c.applyLatest(ctx, ev.Map)
			c.topo.markFresh()
		case config.EventDisconnected:
			c.topo.MarkStale()
		}
	}
}

// applyLatest applies m, or leaves it for the reconfiguration that is
// currently running. Maps that arrive while a reconfiguration runs collapse
// into the newest one, which is applied right after.
func (c *Client) applyLatest(ctx context.Context, m *vbmap.PartitionMap) {
	c.offer(m)
	for {
		next := c.pending.Swap(nil)
		if next == nil {
			return
		}
		applied, err := c.topo.OnNewPartitionMap(ctx, next)
		if err != nil {
			Logger.Errorf("Applying map revision %d failed: %v", next.Revision(), err)
			return
		}
		if applied || !next.NewerThan(c.topo.Map()) {
			continue
		}
		// dropped by the reconfiguration guard
		c.offer(next)
		if c.topo.Reconfiguring() {
			// the running reconfiguration picks it up when it is done
			return
		}
	}
}

// offer stores m as the pending map unless a newer one is already waiting
func (c *Client) offer(m *vbmap.PartitionMap) {
	for {
		cur := c.pending.Load()
		if cur != nil && !m.NewerThan(cur) {
			return
		}
		if c.pending.CompareAndSwap(cur, m) {
			return
		}
	}
}

// Refresh fetches the current map from the configuration service and
// applies it
func (c *Client) Refresh(ctx context.Context) error {
	if c.closed.Load() {
		return common.ErrClientClosed
	}
	if c.source == nil {
		return errors.New("client has no configuration source")
	}
	m, err := c.source.FetchInitial(ctx)
	if err != nil {
		return err
	}
	c.applyLatest(ctx, m)
	return nil
}

// --------------------------------------------------------------------------
// Key-Value Operations
// --------------------------------------------------------------------------

// Get reads key from its master
func (c *Client) Get(ctx context.Context, key string) (*GetResult, error) {
	resp, err := c.execute(ctx, common.NewGetRequest(key), common.MasterTarget)
	if err != nil {
		return nil, err
	}
	return &GetResult{Value: resp.Value, Cas: resp.Cas}, nil
}

// GetReplica reads key from replica slot i
func (c *Client) GetReplica(ctx context.Context, key string, i int) (*GetResult, error) {
	if i < 0 {
		return nil, fmt.Errorf("invalid replica index %d", i)
	}
	resp, err := c.execute(ctx, common.NewGetReplicaRequest(key), i)
	if err != nil {
		return nil, err
	}
	return &GetResult{Value: resp.Value, Cas: resp.Cas}, nil
}

// Set stores value under key
func (c *Client) Set(ctx context.Context, key string, value []byte, opts MutationOptions) (*MutationResult, error) {
	return c.mutate(ctx, common.NewSetRequest(key, value, opts.Cas, expirySeconds(opts.Expiry)), opts, false)
}

// Add stores value under key if the key does not exist
func (c *Client) Add(ctx context.Context, key string, value []byte, opts MutationOptions) (*MutationResult, error) {
	return c.mutate(ctx, common.NewAddRequest(key, value, expirySeconds(opts.Expiry)), opts, false)
}

// Replace stores value under key if the key exists
func (c *Client) Replace(ctx context.Context, key string, value []byte, opts MutationOptions) (*MutationResult, error) {
	return c.mutate(ctx, common.NewReplaceRequest(key, value, opts.Cas, expirySeconds(opts.Expiry)), opts, false)
}

// Delete removes key. The durability requirement observes the deletion.
func (c *Client) Delete(ctx context.Context, key string, opts MutationOptions) (*MutationResult, error) {
	return c.mutate(ctx, common.NewDeleteRequest(key, opts.Cas), opts, true)
}

// Observe waits until the mutation of key with the given cas reached req
func (c *Client) Observe(ctx context.Context, key string, cas uint64, req common.DurabilityRequirement, isDelete bool) (*ObserveOutcome, error) {
	if c.closed.Load() {
		return nil, common.ErrClientClosed
	}
	return c.observer.ObserveUntilSatisfied(ctx, key, cas, req, isDelete)
}

// Do routes op without waiting for it. The outcome is passed to the
// operation's callback.
func (c *Client) Do(op *common.Operation) {
	if c.closed.Load() {
		op.Cancel(common.ErrClientClosed)
		return
	}
	c.router.Route(op)
}

// mutate sends req and, if requested, observes its durability. A durability
// failure is returned together with the result of the successful write.
func (c *Client) mutate(ctx context.Context, req *common.Message, opts MutationOptions, isDelete bool) (*MutationResult, error) {
	resp, err := c.execute(ctx, req, common.MasterTarget)
	if err != nil {
		return nil, err
	}
	res := &MutationResult{Cas: resp.Cas}
	if opts.Durability.IsZero() {
		return res, nil
	}
	res.Durability, err = c.observer.ObserveUntilSatisfied(ctx, req.Key, resp.Cas, opts.Durability, isDelete)
	return res, err
}

type result struct {
	resp *common.Message
	err  error
}

// execute routes req and waits for the answer
func (c *Client) execute(ctx context.Context, req *common.Message, replica int) (*common.Message, error) {
	if c.closed.Load() {
		return nil, common.ErrClientClosed
	}
	start := time.Now()
	done := make(chan result, 1)
	op := common.NewOperation(req, c.cfg.Transport.OpTimeout, func(resp *common.Message, err error) {
		done <- result{resp, err}
	})
	if replica == common.MasterTarget {
		c.router.Route(op)
	} else {
		c.router.RouteToReplica(op, replica)
	}

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		op.Cancel(ctx.Err())
		r = <-done
	}
	c.metrics.opDuration.UpdateDuration(start)

	if r.err != nil {
		return nil, r.err
	}
	// Check if the type of the response is the expected type
	if r.resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("%w: unexpected message type %s, expected %s", common.ErrServer, r.resp.MsgType, req.MsgType)
	}
	return r.resp, nil
}

func expirySeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64((d + time.Second - 1) / time.Second)
}

// --------------------------------------------------------------------------
// Introspection and Lifecycle
// --------------------------------------------------------------------------

// ID returns the random identifier of the client
func (c *Client) ID() string { return c.id }

// Map returns the partition map the client currently routes with
func (c *Client) Map() *vbmap.PartitionMap { return c.topo.Map() }

// Stale reports whether the configuration stream is down and the current map
// may be outdated
func (c *Client) Stale() bool { return c.topo.Stale() }

// FailureMode returns the mode applied when a target node is down
func (c *Client) FailureMode() common.FailureMode { return c.router.Mode() }

// WriteMetrics writes the client's metrics in Prometheus text format
func (c *Client) WriteMetrics(w io.Writer) { c.metrics.write(w) }

// Close stops following the configuration and closes every connection.
// Operations that are still queued fail with common.ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	err := c.topo.Close()
	Logger.Infof("Client %s closed", c.id)
	return err
}
