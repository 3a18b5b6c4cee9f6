package base

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/ValentinKolb/vbKV/rpc/serializer"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/node")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to the node
	Connect(ctx context.Context, addr vbmap.NodeAddress) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn) error
}

// NodeOptions configures a NodeConnection.
type NodeOptions struct {
	Config     common.TransportConfig
	Serializer serializer.IRPCSerializer
	// OnResponse defaults to completing the operation with resp.AsError()
	OnResponse transport.ResponseFunc
	// OnOrphan defaults to cancelling the operation with the given error
	OnOrphan transport.OrphanFunc
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// socket is one dialed connection and the reader goroutine serving it
type socket struct {
	conn net.Conn
	once sync.Once
	err  error
	dead chan struct{}
}

// fail closes the socket once and records why
func (s *socket) fail(err error) {
	s.once.Do(func() {
		s.err = err
		_ = s.conn.Close()
		close(s.dead)
	})
}

// NodeConnection owns the connection to one node and its outbound queue. A
// single writer goroutine drains the queue, dials and redials; one reader
// goroutine per socket dispatches responses. Operations sent on the same
// connection keep their submission order.
type NodeConnection struct {
	addr      vbmap.NodeAddress
	connector IClientConnector
	opts      NodeOptions

	queue  chan *common.Operation
	kick   chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	// mu orders Enqueue and Open against Close so nothing is queued after
	// teardown
	mu       sync.RWMutex
	closed   bool
	started  bool
	draining atomic.Bool
	active   atomic.Bool

	// owned by the writer goroutine (and by Open before it starts)
	sock    *socket
	backlog []*common.Operation
	redial  *time.Timer

	backlogLen    atomic.Int64
	inflight      *xsync.MapOf[uint64, *common.Operation]
	nextRequestID atomic.Uint64
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewNodeConnection creates the transport for addr. Nothing is dialed until
// Open is called.
func NewNodeConnection(connector IClientConnector, addr vbmap.NodeAddress, opts NodeOptions) *NodeConnection {
	if opts.Serializer == nil {
		opts.Serializer = serializer.NewBinarySerializer()
	}
	if opts.Config.QueueSize <= 0 {
		opts.Config.QueueSize = 1024
	}
	if opts.Config.ReconnectBackoff <= 0 {
		opts.Config.ReconnectBackoff = 100 * time.Millisecond
	}

	return &NodeConnection{
		addr:      addr,
		connector: connector,
		opts:      opts,
		queue:     make(chan *common.Operation, opts.Config.QueueSize),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		inflight:  xsync.NewMapOf[uint64, *common.Operation](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.INodeTransport)
// --------------------------------------------------------------------------

func (c *NodeConnection) Address() vbmap.NodeAddress { return c.addr }

func (c *NodeConnection) Open(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return common.ErrNodeShutdown
	case c.started:
		c.mu.Unlock()
		return fmt.Errorf("connection to %s already opened", c.addr)
	}
	c.started = true
	c.mu.Unlock()

	err := c.dial(ctx)
	go c.writeLoop()

	if err != nil {
		Logger.Warningf("Failed to connect to %s using %s transport: %v", c.addr, c.connector.GetName(), err)
		return err
	}
	Logger.Infof("Connected to %s using %s transport", c.addr, c.connector.GetName())
	return nil
}

func (c *NodeConnection) Enqueue(op *common.Operation) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return common.ErrNodeShutdown
	}
	if c.draining.Load() {
		return common.ErrConnectionClosing
	}
	select {
	case c.queue <- op:
		return nil
	default:
		return common.ErrQueueFull
	}
}

func (c *NodeConnection) IsActive() bool { return c.active.Load() }

func (c *NodeConnection) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *NodeConnection) Drain() {
	if c.draining.CompareAndSwap(false, true) {
		Logger.Debugf("Connection to %s is draining with %d pending operations", c.addr, c.Pending())
	}
}

func (c *NodeConnection) Pending() int {
	return len(c.queue) + int(c.backlogLen.Load()) + c.inflight.Size()
}

func (c *NodeConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	close(c.stopCh)
	c.mu.Unlock()

	if started {
		<-c.done
	} else {
		c.teardown()
	}
	Logger.Infof("Closed connection to %s", c.addr)
	return nil
}

// --------------------------------------------------------------------------
// Writer
// --------------------------------------------------------------------------

// writeLoop is the event loop of the connection
func (c *NodeConnection) writeLoop() {
	defer close(c.done)

	sweep := time.NewTicker(c.sweepInterval())
	defer sweep.Stop()

	for {
		var dead chan struct{}
		if c.sock != nil {
			dead = c.sock.dead
		}
		var redial <-chan time.Time
		if c.redial != nil {
			redial = c.redial.C
		}

		select {
		case <-c.stopCh:
			c.teardown()
			return

		case op := <-c.queue:
			c.send(op)

		case <-dead:
			c.handleDeadSocket()

		case <-c.kick:
			if c.sock == nil {
				c.reconnect()
			}

		case <-redial:
			c.redial = nil
			c.reconnect()

		case now := <-sweep.C:
			c.sweepExpired(now)
		}
	}
}

// send writes op or parks it in the backlog while the node is unreachable
func (c *NodeConnection) send(op *common.Operation) {
	if op.IsDone() {
		return
	}
	if op.Expired(time.Now()) {
		op.Complete(nil, common.ErrOperationTimeout)
		return
	}
	if c.sock == nil {
		c.park(op)
		return
	}
	c.write(op)
}

// write serializes and writes one operation on the current socket
func (c *NodeConnection) write(op *common.Operation) {
	data, err := c.opts.Serializer.Serialize(*op.Request())
	if err != nil {
		op.Complete(nil, fmt.Errorf("failed to serialize request: %w", err))
		return
	}

	requestID := c.nextRequestID.Add(1)
	c.inflight.Store(requestID, op)

	sock := c.sock
	if c.opts.Config.OpTimeout > 0 {
		_ = sock.conn.SetWriteDeadline(time.Now().Add(c.opts.Config.OpTimeout))
	}
	if err := writeFrame(sock.conn, uint64(max(op.Partition(), 0)), requestID, data); err != nil {
		// the dead socket handler orphans op together with the other in-flight operations
		sock.fail(fmt.Errorf("write to %s failed: %w", c.addr, err))
	}
}

// park holds op until the node is reachable again and schedules a redial
func (c *NodeConnection) park(op *common.Operation) {
	c.backlog = append(c.backlog, op)
	c.backlogLen.Store(int64(len(c.backlog)))
	if c.redial == nil {
		c.redial = time.NewTimer(c.backoff())
	}
}

// reconnect dials and flushes the backlog in submission order
func (c *NodeConnection) reconnect() {
	if c.sock != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout())
	err := c.dial(ctx)
	cancel()

	if err != nil {
		Logger.Debugf("Redial of %s failed: %v", c.addr, err)
		if len(c.backlog) > 0 && c.redial == nil {
			c.redial = time.NewTimer(c.backoff())
		}
		return
	}

	Logger.Infof("Reconnected to %s, flushing %d parked operations", c.addr, len(c.backlog))
	backlog := c.backlog
	c.backlog = nil
	c.backlogLen.Store(0)
	for _, op := range backlog {
		c.send(op)
	}
}

// dial connects the socket and starts its reader
func (c *NodeConnection) dial(ctx context.Context) error {
	if c.opts.Config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Config.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.connector.Connect(ctx, c.addr)
	if err != nil {
		c.active.Store(false)
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	if err := c.connector.UpgradeConnection(conn); err != nil {
		_ = conn.Close()
		c.active.Store(false)
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.addr, err)
	}

	s := &socket{conn: conn, dead: make(chan struct{})}
	c.sock = s
	c.active.Store(true)
	go c.readLoop(s)
	return nil
}

// handleDeadSocket marks the node inactive and hands the operations that were
// written on the socket back to the router
func (c *NodeConnection) handleDeadSocket() {
	s := c.sock
	c.sock = nil
	c.active.Store(false)

	orphans := c.takeInflight()
	Logger.Warningf("Connection to %s lost (%v), %d in-flight operations orphaned", c.addr, s.err, len(orphans))
	for _, op := range orphans {
		c.orphan(op, fmt.Errorf("%w: %v", common.ErrConnectionLost, s.err))
	}
	if len(c.backlog) > 0 && c.redial == nil {
		c.redial = time.NewTimer(c.backoff())
	}
}

// teardown runs once when the connection is closed
func (c *NodeConnection) teardown() {
	if c.redial != nil {
		c.redial.Stop()
		c.redial = nil
	}
	if c.sock != nil {
		c.sock.fail(net.ErrClosed)
		c.sock = nil
	}
	c.active.Store(false)

	for _, op := range c.takeInflight() {
		op.Cancel(common.ErrNodeShutdown)
	}

	unsent := c.backlog
	c.backlog = nil
	c.backlogLen.Store(0)
drain:
	for {
		select {
		case op := <-c.queue:
			unsent = append(unsent, op)
		default:
			break drain
		}
	}
	for _, op := range unsent {
		if !op.IsDone() {
			c.orphan(op, common.ErrNodeShutdown)
		}
	}
}

// sweepExpired fails parked and in-flight operations past their deadline
func (c *NodeConnection) sweepExpired(now time.Time) {
	c.inflight.Range(func(id uint64, op *common.Operation) bool {
		if op.Expired(now) {
			if _, ok := c.inflight.LoadAndDelete(id); ok {
				op.Complete(nil, common.ErrOperationTimeout)
			}
		}
		return true
	})

	if len(c.backlog) == 0 {
		return
	}
	kept := c.backlog[:0]
	for _, op := range c.backlog {
		switch {
		case op.IsDone():
		case op.Expired(now):
			op.Complete(nil, common.ErrOperationTimeout)
		default:
			kept = append(kept, op)
		}
	}
	clear(c.backlog[len(kept):])
	c.backlog = kept
	c.backlogLen.Store(int64(len(kept)))
}

// --------------------------------------------------------------------------
// Reader
// --------------------------------------------------------------------------

// readLoop reads responses from s until it fails
func (c *NodeConnection) readLoop(s *socket) {
	for {
		_, requestID, data, err := readFrame(s.conn, nil)
		if err != nil {
			s.fail(err)
			return
		}

		op, found := c.inflight.LoadAndDelete(requestID)
		if !found {
			// timed out or cancelled before the answer arrived
			Logger.Debugf("Dropping response from %s for unknown request ID %d", c.addr, requestID)
			continue
		}

		resp := &common.Message{}
		if err := c.opts.Serializer.Deserialize(data, resp); err != nil {
			op.Complete(nil, fmt.Errorf("failed to decode response from %s: %w", c.addr, err))
			continue
		}
		c.deliver(op, resp)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *NodeConnection) deliver(op *common.Operation, resp *common.Message) {
	if c.opts.OnResponse != nil {
		c.opts.OnResponse(c.addr, op, resp)
		return
	}
	op.Complete(resp, resp.AsError())
}

func (c *NodeConnection) orphan(op *common.Operation, err error) {
	if c.opts.OnOrphan != nil {
		c.opts.OnOrphan(c.addr, op, err)
		return
	}
	op.Cancel(err)
}

// takeInflight removes and returns all in-flight operations in request order
func (c *NodeConnection) takeInflight() []*common.Operation {
	var ids []uint64
	c.inflight.Range(func(id uint64, _ *common.Operation) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)

	ops := make([]*common.Operation, 0, len(ids))
	for _, id := range ids {
		if op, ok := c.inflight.LoadAndDelete(id); ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// backoff returns the redial delay with +-10% jitter
func (c *NodeConnection) backoff() time.Duration {
	base := float64(c.opts.Config.ReconnectBackoff)
	return time.Duration(base * (0.9 + 0.2*rand.Float64()))
}

func (c *NodeConnection) dialTimeout() time.Duration {
	if c.opts.Config.ConnectTimeout > 0 {
		return c.opts.Config.ConnectTimeout
	}
	return 2 * time.Second
}

func (c *NodeConnection) sweepInterval() time.Duration {
	interval := 100 * time.Millisecond
	if t := c.opts.Config.OpTimeout; t > 0 && t/4 < interval {
		interval = max(t/4, time.Millisecond)
	}
	return interval
}
