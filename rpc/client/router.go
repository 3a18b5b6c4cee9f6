package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/ValentinKolb/vbKV/rpc/transport"
)

// failureHandler decides what happens to op when its target node is not
// active. target is zero if the partition has no assigned node for the slot.
type failureHandler func(r *Router, s *snapshot, op *common.Operation, target vbmap.NodeAddress)

// failureHandlers holds one handler per failure mode
var failureHandlers = map[common.FailureMode]failureHandler{
	common.FailureModeRedistribute: (*Router).redistribute,
	common.FailureModeRetry:        (*Router).retry,
	common.FailureModeCancel:       (*Router).cancel,
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Mode         common.FailureMode
	MaxRedirects int
	RetryDelay   time.Duration
}

// Router resolves the node of every operation against the current snapshot
// and hands the operation to that node's connection. Operations the server
// rejects because the partition moved are re-routed here as well.
type Router struct {
	topo    *TopologyManager
	opts    RouterOptions
	handle  failureHandler
	metrics *clientMetrics
}

// NewRouter creates a router working on the maps of topo
func NewRouter(topo *TopologyManager, opts RouterOptions, m *clientMetrics) (*Router, error) {
	h, ok := failureHandlers[opts.Mode]
	if !ok {
		return nil, fmt.Errorf("unknown failure mode %d", opts.Mode)
	}
	return &Router{topo: topo, opts: opts, handle: h, metrics: m}, nil
}

// Mode returns the failure mode the router was created with
func (r *Router) Mode() common.FailureMode { return r.opts.Mode }

// Route sends op to the master of its key's partition, or to the replica slot
// set with SetReplica. It never blocks; the outcome arrives at the
// operation's callback.
func (r *Router) Route(op *common.Operation) {
	if op.IsDone() {
		return
	}
	if r.topo.closed.Load() {
		op.Cancel(common.ErrClientClosed)
		return
	}
	s := r.topo.snapshot()
	if s == nil {
		op.Cancel(common.ErrNotBootstrapped)
		return
	}

	p := s.m.PartitionIndexOf(op.Key())
	op.SetPartition(p)

	if i := op.Replica(); i != common.MasterTarget {
		r.routeReplica(s, op, p, i)
		return
	}

	target, ok := s.m.Master(p)
	if ok {
		if c := s.conn(target); c != nil && c.IsActive() {
			r.dispatch(s, c, op)
			return
		}
	}
	if op.Pinned() {
		r.cancel(s, op, target)
		return
	}
	r.handle(r, s, op, target)
}

// RouteToReplica sends op to replica slot i of its key's partition, or to the
// master for common.MasterTarget
func (r *Router) RouteToReplica(op *common.Operation, i int) {
	op.SetReplica(i)
	r.Route(op)
}

// routeReplica never fails over to another node, a replica read from a
// different node would answer a different question
func (r *Router) routeReplica(s *snapshot, op *common.Operation, p, i int) {
	target, ok := s.m.Replica(p, i)
	if !ok {
		r.unavailable(op, fmt.Sprintf("replica %d", i), p)
		return
	}
	c := s.conn(target)
	if c.IsActive() || (r.opts.Mode == common.FailureModeRetry && !op.Pinned()) {
		r.dispatch(s, c, op)
		if !c.IsActive() {
			c.Kick()
		}
		return
	}
	r.unavailable(op, target.String(), p)
}

// dispatch enqueues op on c. A connection that is shutting down belongs to an
// older snapshot; op is then routed again against the newest one.
func (r *Router) dispatch(s *snapshot, c transport.INodeTransport, op *common.Operation) {
	err := c.Enqueue(op)
	switch {
	case err == nil:
		r.count(func(m *clientMetrics) { m.routed.Inc() })
	case errors.Is(err, common.ErrConnectionClosing), errors.Is(err, common.ErrNodeShutdown):
		if r.topo.snapshot() != s {
			r.Route(op)
			return
		}
		r.retryLater(op)
	default:
		op.Complete(nil, fmt.Errorf("enqueue on %s: %w", c.Address(), err))
	}
}

// --------------------------------------------------------------------------
// Failure Modes
// --------------------------------------------------------------------------

// redistribute sends op to the first active node of the partition's failover
// sequence. Without any active node op waits on the master's connection.
func (r *Router) redistribute(s *snapshot, op *common.Operation, target vbmap.NodeAddress) {
	for addr := range s.m.FailoverSequence(op.Partition()) {
		if addr == target {
			continue
		}
		if c := s.conn(addr); c != nil && c.IsActive() {
			Logger.Debugf("Partition %d: %s is down, sending %q to %s", op.Partition(), target, op.Key(), addr)
			r.count(func(m *clientMetrics) { m.failedOver.Inc() })
			r.dispatch(s, c, op)
			return
		}
	}
	r.retry(s, op, target)
}

// retry parks op on the target's connection, which sends it once the node is
// reachable again
func (r *Router) retry(s *snapshot, op *common.Operation, target vbmap.NodeAddress) {
	c := s.conn(target)
	if target.IsZero() || c == nil {
		// no master assigned, wait for the next map
		r.retryLater(op)
		return
	}
	r.dispatch(s, c, op)
	c.Kick()
}

func (r *Router) cancel(_ *snapshot, op *common.Operation, target vbmap.NodeAddress) {
	node := target.String()
	if target.IsZero() {
		node = "unassigned"
	}
	r.unavailable(op, node, op.Partition())
}

func (r *Router) unavailable(op *common.Operation, node string, p int) {
	if op.Cancel(&common.NodeUnavailableError{Node: node, Partition: p}) {
		r.count(func(m *clientMetrics) { m.cancelled.Inc() })
	}
}

// retryLater routes op again after the retry delay unless its deadline passed
// by then
func (r *Router) retryLater(op *common.Operation) {
	r.count(func(m *clientMetrics) { m.retried.Inc() })
	time.AfterFunc(r.opts.RetryDelay, func() {
		if op.IsDone() {
			return
		}
		if op.Expired(time.Now()) {
			op.Complete(nil, common.ErrOperationTimeout)
			return
		}
		r.Route(op)
	})
}

// --------------------------------------------------------------------------
// Connection Hooks
// --------------------------------------------------------------------------

// onResponse is installed as the response hook of every node connection
func (r *Router) onResponse(from vbmap.NodeAddress, op *common.Operation, resp *common.Message) {
	switch resp.Status {
	case common.StatusNotMyPartition:
		r.redirect(from, op, resp)
	case common.StatusTempFail:
		if op.Expired(time.Now()) {
			op.Complete(resp, resp.AsError())
			return
		}
		Logger.Debugf("%s answered %q with a temporary failure, retrying", from, op.Key())
		r.retryLater(op)
	default:
		op.Complete(resp, resp.AsError())
	}
}

// redirect sends op to the node that owns the partition now: the node named
// in the server's hint, then the forward map's master, then whatever the
// newest map says. Replica and pinned operations are not redirected.
func (r *Router) redirect(from vbmap.NodeAddress, op *common.Operation, resp *common.Message) {
	if op.Replica() != common.MasterTarget || op.Pinned() || op.AddRedirect() > r.opts.MaxRedirects {
		op.Complete(resp, resp.AsError())
		return
	}
	r.count(func(m *clientMetrics) { m.redirected.Inc() })

	s := r.topo.snapshot()
	if s == nil {
		op.Cancel(common.ErrNotBootstrapped)
		return
	}

	if hint, err := vbmap.ParseNodeAddress(resp.Hint); err == nil && hint != from {
		if c := s.conn(hint); c != nil && c.IsActive() {
			Logger.Debugf("Partition %d moved from %s to %s", op.Partition(), from, hint)
			r.dispatch(s, c, op)
			return
		}
	}
	if fwd, ok := s.m.ForwardMaster(op.Partition()); ok && fwd != from {
		if c := s.conn(fwd); c != nil && c.IsActive() {
			Logger.Debugf("Partition %d: following forward map from %s to %s", op.Partition(), from, fwd)
			r.dispatch(s, c, op)
			return
		}
	}
	if m, ok := s.m.Master(s.m.PartitionIndexOf(op.Key())); ok && m == from {
		// the map still names the node that refused, wait for a newer map
		r.retryLater(op)
		return
	}
	r.Route(op)
}

// onOrphan is installed as the orphan hook of every node connection. Queued
// operations of closed connections were never sent and are routed again. In
// Cancel mode in-flight operations of a lost connection fail, in the other
// modes they are sent again.
func (r *Router) onOrphan(from vbmap.NodeAddress, op *common.Operation, err error) {
	if op.IsDone() {
		return
	}
	r.count(func(m *clientMetrics) { m.orphaned.Inc() })
	if r.opts.Mode == common.FailureModeCancel && errors.Is(err, common.ErrConnectionLost) {
		r.unavailable(op, from.String(), op.Partition())
		return
	}
	r.Route(op)
}

func (r *Router) count(f func(m *clientMetrics)) {
	if r.metrics != nil {
		f(r.metrics)
	}
}
