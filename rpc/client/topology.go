package client

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"golang.org/x/sync/errgroup"
)

// maxParallelDials bounds the dials run for one reconfiguration
const maxParallelDials = 16

// snapshot is the routing state readers work on. It is never modified after
// it was published.
type snapshot struct {
	m     *vbmap.PartitionMap
	conns map[vbmap.NodeAddress]transport.INodeTransport
}

// conn returns the connection of addr, nil if addr is not part of the map
func (s *snapshot) conn(addr vbmap.NodeAddress) transport.INodeTransport {
	return s.conns[addr]
}

// TopologyManager owns the current partition map and the connections to its
// nodes. Readers load the current snapshot without locking; a new map is
// published with a single pointer swap after all of its connections exist.
type TopologyManager struct {
	factory        transport.NodeFactory
	reaper         *reaper
	connectTimeout time.Duration
	metrics        *clientMetrics

	current       atomic.Pointer[snapshot]
	reconfiguring atomic.Bool
	stale         atomic.Bool
	closed        atomic.Bool
}

// NewTopologyManager creates a manager without a map. Connections of nodes
// that leave the map are closed after at most shutdownGrace.
func NewTopologyManager(factory transport.NodeFactory, connectTimeout, shutdownGrace time.Duration, m *clientMetrics) *TopologyManager {
	t := &TopologyManager{
		factory:        factory,
		connectTimeout: connectTimeout,
		metrics:        m,
	}
	t.reaper = newReaper(shutdownGrace, func(_ transport.INodeTransport, forced bool) {
		if m == nil {
			return
		}
		if forced {
			m.reapedForced.Inc()
		} else {
			m.reapedDrained.Inc()
		}
	})
	return t
}

// OnNewPartitionMap reconfigures the client for m. It returns false without
// doing anything if another reconfiguration is running or m is not newer than
// the current map. Nodes that cannot be reached are still published; their
// connections redial on demand.
func (t *TopologyManager) OnNewPartitionMap(ctx context.Context, m *vbmap.PartitionMap) (bool, error) {
	if m == nil {
		return false, errors.New("partition map is nil")
	}
	if t.closed.Load() {
		return false, errors.New("topology manager is closed")
	}
	if !t.reconfiguring.CompareAndSwap(false, true) {
		Logger.Debugf("Reconfiguration already running, map revision %d skipped", m.Revision())
		t.countSkipped()
		return false, nil
	}
	defer t.reconfiguring.Store(false)

	old := t.current.Load()
	var oldMap *vbmap.PartitionMap
	if old != nil {
		oldMap = old.m
		if !m.NewerThan(oldMap) {
			Logger.Debugf("Ignoring map revision %d, current revision is %d", m.Revision(), oldMap.Revision())
			t.countSkipped()
			return false, nil
		}
	}

	delta := vbmap.Diff(oldMap, m)
	conns := make(map[vbmap.NodeAddress]transport.INodeTransport, len(delta.Stay)+len(delta.Fresh))

	for _, addr := range delta.Stay {
		c := old.conns[addr]
		if !c.IsActive() {
			c.Kick()
		}
		conns[addr] = c
	}

	fresh := make([]transport.INodeTransport, len(delta.Fresh))
	for i, addr := range delta.Fresh {
		fresh[i] = t.factory(addr)
		conns[addr] = fresh[i]
	}
	unreachable := t.openAll(ctx, fresh)

	t.current.Store(&snapshot{m: m, conns: conns})
	t.stale.Store(false)

	scheduled := 0
	for _, addr := range delta.Odd {
		if t.reaper.Schedule(old.conns[addr]) {
			scheduled++
		}
	}

	if t.metrics != nil {
		t.metrics.mapsApplied.Inc()
	}
	Logger.Infof("Applied map revision %d of bucket %s: %d nodes kept, %d added (%d unreachable), %d removed",
		m.Revision(), m.Bucket(), len(delta.Stay), len(delta.Fresh), unreachable, scheduled)
	return true, nil
}

// openAll dials the given connections in parallel and returns how many
// failed. A failed dial is not fatal.
func (t *TopologyManager) openAll(ctx context.Context, conns []transport.INodeTransport) int {
	if len(conns) == 0 {
		return 0
	}
	if t.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(maxParallelDials)
	for _, c := range conns {
		g.Go(func() error {
			if err := c.Open(ctx); err != nil {
				Logger.Warningf("Node %s is unreachable: %v", c.Address(), err)
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}

func (t *TopologyManager) countSkipped() {
	if t.metrics != nil {
		t.metrics.mapsSkipped.Inc()
	}
}

// Reconfiguring reports whether a reconfiguration is running
func (t *TopologyManager) Reconfiguring() bool { return t.reconfiguring.Load() }

// Map returns the current partition map, nil before the first one was applied
func (t *TopologyManager) Map() *vbmap.PartitionMap {
	if s := t.current.Load(); s != nil {
		return s.m
	}
	return nil
}

// Connection returns the connection to addr in the current map
func (t *TopologyManager) Connection(addr vbmap.NodeAddress) (transport.INodeTransport, bool) {
	s := t.current.Load()
	if s == nil {
		return nil, false
	}
	c, ok := s.conns[addr]
	return c, ok
}

func (t *TopologyManager) snapshot() *snapshot { return t.current.Load() }

// countConnections counts the connections of the current map, only the
// active ones if activeOnly is set
func (t *TopologyManager) countConnections(activeOnly bool) int {
	s := t.current.Load()
	if s == nil {
		return 0
	}
	if !activeOnly {
		return len(s.conns)
	}
	n := 0
	for _, c := range s.conns {
		if c.IsActive() {
			n++
		}
	}
	return n
}

// MarkStale flags the current map as possibly outdated, which happens when
// the configuration stream was lost. The next applied map clears the flag.
func (t *TopologyManager) MarkStale() {
	if !t.stale.Swap(true) {
		Logger.Warningf("Configuration stream lost, routing on a possibly stale map")
	}
}

// markFresh clears the stale flag once the configuration stream delivers
// again, even if its first map is not newer than the current one
func (t *TopologyManager) markFresh() {
	if t.stale.Swap(false) {
		Logger.Infof("Configuration stream restored")
	}
}

// Stale reports whether the current map may be outdated
func (t *TopologyManager) Stale() bool { return t.stale.Load() }

// Close stops the reaper and closes every connection of the current map
func (t *TopologyManager) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.reaper.Close()
	s := t.current.Load()
	if s == nil {
		return nil
	}
	var errs []error
	for _, c := range s.conns {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
