package client

import (
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// removalMaps returns a map over n1, n2 and n3 in which n2 masters partitions
// 1 and 3, and a newer map in which n4 replaced n2
func removalMaps() (before, after [][]int) {
	before = [][]int{{0, 2}, {1, 0}, {2, 1}, {1, 2}}
	after = [][]int{{0, 1}, {2, 0}, {1, 2}, {2, 1}}
	return before, after
}

func TestOnNewPartitionMap_Bootstrap(t *testing.T) {
	h := newHarness(t, common.FailureModeRedistribute)
	assert.Nil(t, h.client.Map())

	m := fixtureMap(t, 1, 1, nodesOf(0, 1, 2, 3), [][]int{{0, 1}, {1, 2}, {2, 3}, {3, 0}})
	assert.True(t, h.apply(m))
	assert.Same(t, m, h.client.Map())

	for i := range 4 {
		assert.Equal(t, 1, h.created(nodeAddr(i)))
		assert.True(t, h.node(nodeAddr(i)).IsActive())
	}
}

func TestOnNewPartitionMap_NodeRemoved(t *testing.T) {
	h := newHarness(t, common.FailureModeRedistribute)
	rowsBefore, rowsAfter := removalMaps()
	h.apply(fixtureMap(t, 1, 1, nodesOf(1, 2, 3), rowsBefore))

	n1 := h.node(nodeAddr(1))
	n2 := h.node(nodeAddr(2))
	assert.Equal(t, "n2:11210", string(h.route("d").resp.Value))
	assert.Equal(t, "n2:11210", string(h.route("c").resp.Value))

	assert.True(t, h.apply(fixtureMap(t, 2, 1, nodesOf(1, 3, 4), rowsAfter)))

	// partitions 1 and 3 now belong to n4
	assert.Equal(t, "n4:11210", string(h.route("d").resp.Value))
	assert.Equal(t, "n4:11210", string(h.route("c").resp.Value))
	assert.Equal(t, "n1:11210", string(h.route("b").resp.Value))
	assert.Equal(t, "n3:11210", string(h.route("a").resp.Value))

	// n2 got nothing new and is closed once drained
	assert.Equal(t, []string{"d", "c"}, n2.received())
	assert.True(t, n2.draining.Load())
	assert.Eventually(t, func() bool { return n2.closes.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.client.metrics.reapedDrained.Get() == 1 }, time.Second, 5*time.Millisecond)

	// surviving nodes keep their connection
	assert.Equal(t, 1, h.created(nodeAddr(1)))
	conn, ok := h.client.topo.Connection(nodeAddr(1))
	require.True(t, ok)
	assert.Same(t, n1, conn)
	_, ok = h.client.topo.Connection(nodeAddr(2))
	assert.False(t, ok)

	// a later map without n2 does not touch it again
	assert.True(t, h.apply(fixtureMap(t, 3, 1, nodesOf(1, 3, 4), rowsAfter)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), n2.closes.Load())
	assert.Equal(t, 1, h.created(nodeAddr(4)))
}

func TestOnNewPartitionMap_GraceExceeded(t *testing.T) {
	h := newHarness(t, common.FailureModeRedistribute)
	h.respond = func(n *fakeNode, op *common.Operation) *common.Message {
		if n.addr == nodeAddr(2) {
			return nil
		}
		return echo(n, op)
	}
	rowsBefore, rowsAfter := removalMaps()
	h.apply(fixtureMap(t, 1, 1, nodesOf(1, 2, 3), rowsBefore))

	op, _ := h.routeAsync("d")
	n2 := h.node(nodeAddr(2))
	require.Equal(t, 1, n2.Pending())

	h.apply(fixtureMap(t, 2, 1, nodesOf(1, 3, 4), rowsAfter))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), n2.closes.Load(), "closed before the grace period")

	assert.Eventually(t, func() bool { return n2.closes.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.client.metrics.reapedForced.Get() == 1 }, time.Second, 5*time.Millisecond)
	op.Cancel(nil)
}

func TestOnNewPartitionMap_IgnoresOlderRevisions(t *testing.T) {
	h := newHarness(t, common.FailureModeRedistribute)
	rows := [][]int{{0, 1}, {1, 0}, {0, 1}, {1, 0}}

	assert.True(t, h.apply(fixtureMap(t, 5, 1, nodesOf(0, 1), rows)))
	assert.False(t, h.apply(fixtureMap(t, 4, 1, nodesOf(0, 1), rows)))
	assert.False(t, h.apply(fixtureMap(t, 5, 1, nodesOf(0, 1), rows)))
	assert.Equal(t, int64(5), h.client.Map().Revision())
	assert.Equal(t, uint64(2), h.client.metrics.mapsSkipped.Get())
}

func TestOnNewPartitionMap_ConcurrentCallIsDropped(t *testing.T) {
	h := newHarness(t, common.FailureModeRedistribute)
	h.gate = make(chan struct{})
	rows := [][]int{{0, 1}, {1, 0}, {0, 1}, {1, 0}}

	done := make(chan bool, 1)
	go func() {
		applied, _ := h.client.topo.OnNewPartitionMap(context.Background(), fixtureMap(t, 1, 1, nodesOf(0, 1), rows))
		done <- applied
	}()
	require.Eventually(t, h.client.topo.Reconfiguring, time.Second, time.Millisecond)

	applied, err := h.client.topo.OnNewPartitionMap(context.Background(), fixtureMap(t, 2, 1, nodesOf(0, 1), rows))
	require.NoError(t, err)
	assert.False(t, applied)

	close(h.gate)
	assert.True(t, <-done)
	assert.Equal(t, int64(1), h.client.Map().Revision())
	assert.False(t, h.client.topo.Reconfiguring())
}

func TestOnNewPartitionMap_UnreachableNodeIsPublished(t *testing.T) {
	h := newHarness(t, common.FailureModeRetry)
	h.setDown(nodeAddr(1), true)
	rows := [][]int{{0, 1}, {1, 0}, {0, 1}, {1, 0}}

	assert.True(t, h.apply(fixtureMap(t, 1, 1, nodesOf(0, 1), rows)))
	conn, ok := h.client.topo.Connection(nodeAddr(1))
	require.True(t, ok)
	assert.False(t, conn.IsActive())

	// a stay node that is down is asked to redial
	h.apply(fixtureMap(t, 2, 1, nodesOf(0, 1), rows))
	assert.Equal(t, int32(1), h.node(nodeAddr(1)).kicks.Load())
}

func TestMarkStale(t *testing.T) {
	h := newHarness(t, common.FailureModeRedistribute)
	rows := [][]int{{0, 1}, {1, 0}, {0, 1}, {1, 0}}
	h.apply(fixtureMap(t, 1, 1, nodesOf(0, 1), rows))

	h.client.topo.MarkStale()
	assert.True(t, h.client.Stale())

	h.apply(fixtureMap(t, 2, 1, nodesOf(0, 1), rows))
	assert.False(t, h.client.Stale())
}

func TestApplyLatest_CoalescesToNewest(t *testing.T) {
	h := newHarness(t, common.FailureModeRedistribute)
	h.gate = make(chan struct{})
	rows := [][]int{{0, 1}, {1, 0}, {0, 1}, {1, 0}}
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		h.client.applyLatest(ctx, fixtureMap(t, 1, 1, nodesOf(0, 1), rows))
		close(done)
	}()
	require.Eventually(t, h.client.topo.Reconfiguring, time.Second, time.Millisecond)

	h.client.applyLatest(ctx, fixtureMap(t, 2, 1, nodesOf(0, 1), rows))
	h.client.applyLatest(ctx, fixtureMap(t, 3, 1, nodesOf(0, 1, 2), rows))

	close(h.gate)
	<-done
	assert.Equal(t, int64(3), h.client.Map().Revision())
	assert.Equal(t, uint64(2), h.client.metrics.mapsApplied.Get())
}

func TestApplyLatest_KeepsMapDroppedByGuard(t *testing.T) {
	h := newHarness(t, common.FailureModeRedistribute)
	rows := [][]int{{0, 1}, {1, 0}, {0, 1}, {1, 0}}
	ctx := context.Background()
	h.apply(fixtureMap(t, 1, 1, nodesOf(0, 1), rows))

	// a reconfiguration outside of applyLatest holds the guard
	h.client.topo.reconfiguring.Store(true)
	h.client.applyLatest(ctx, fixtureMap(t, 3, 1, nodesOf(0, 1), rows))
	assert.Equal(t, int64(1), h.client.Map().Revision())
	require.NotNil(t, h.client.pending.Load())
	assert.Equal(t, int64(3), h.client.pending.Load().Revision())

	// the next update applies the newest waiting map, not its own older one
	h.client.topo.reconfiguring.Store(false)
	h.client.applyLatest(ctx, fixtureMap(t, 2, 1, nodesOf(0, 1), rows))
	assert.Equal(t, int64(3), h.client.Map().Revision())
	assert.Nil(t, h.client.pending.Load())

	// stale maps are dropped without being kept
	h.client.applyLatest(ctx, fixtureMap(t, 2, 1, nodesOf(0, 1), rows))
	assert.Equal(t, int64(3), h.client.Map().Revision())
	assert.Nil(t, h.client.pending.Load())
}
