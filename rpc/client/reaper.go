package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/vbKV/lib/util"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// reaperTick is how often drained connections are checked for an empty queue
const reaperTick = 25 * time.Millisecond

// reaper shuts down the connections of nodes that left the partition map.
// A scheduled connection stops accepting work right away and is closed as
// soon as its queue is empty, or when the grace period runs out.
type reaper struct {
	grace   time.Duration
	queue   *util.MPSC[*reapEntry]
	seen    *xsync.MapOf[transport.INodeTransport, uint64]
	nextKey atomic.Uint64
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once
	onClose func(conn transport.INodeTransport, forced bool)
}

type reapEntry struct {
	key  uint64
	conn transport.INodeTransport
}

func newReaper(grace time.Duration, onClose func(conn transport.INodeTransport, forced bool)) *reaper {
	r := &reaper{
		grace:   grace,
		queue:   util.NewMPSC[*reapEntry](),
		seen:    xsync.NewMapOf[transport.INodeTransport, uint64](),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go r.run()
	return r
}

// Schedule drains conn and hands it to the reaper goroutine. Calls for a
// connection that is already waiting to be closed return false.
func (r *reaper) Schedule(conn transport.INodeTransport) bool {
	key := r.nextKey.Add(1)
	if _, loaded := r.seen.LoadOrStore(conn, key); loaded {
		return false
	}
	conn.Drain()
	if r.closed.Load() || !r.queue.Push(&reapEntry{key: key, conn: conn}) {
		r.shutdown(conn, true)
	}
	return true
}

// Close stops the reaper and closes every connection it still holds
func (r *reaper) Close() {
	r.once.Do(func() {
		r.closed.Store(true)
		r.queue.Close()
		<-r.done
	})
}

func (r *reaper) run() {
	defer close(r.done)

	pending := util.NewDeadlineHeap[transport.INodeTransport]()
	ticker := time.NewTicker(reaperTick)
	defer ticker.Stop()

	recv := r.queue.Recv()
	for {
		select {
		case e, ok := <-recv:
			if !ok {
				for _, conn := range pending.RemoveFunc(func(uint64, transport.INodeTransport) bool { return true }) {
					r.shutdown(conn, true)
				}
				return
			}
			pending.Add(e.key, time.Now().Add(r.grace), e.conn)

		case now := <-ticker.C:
			if pending.Len() == 0 {
				continue
			}
			for _, conn := range pending.RemoveFunc(func(_ uint64, c transport.INodeTransport) bool { return c.Pending() == 0 }) {
				r.shutdown(conn, false)
			}
			for _, conn := range pending.PopExpired(now) {
				r.shutdown(conn, true)
			}
		}
	}
}

func (r *reaper) shutdown(conn transport.INodeTransport, forced bool) {
	if forced && conn.Pending() > 0 {
		Logger.Warningf("Grace period for %s exceeded with %d operations left, closing", conn.Address(), conn.Pending())
	} else {
		Logger.Debugf("Closing drained connection to %s", conn.Address())
	}
	if err := conn.Close(); err != nil {
		Logger.Warningf("Closing connection to %s failed: %v", conn.Address(), err)
	}
	r.seen.Delete(conn)
	if r.onClose != nil {
		r.onClose(conn, forced)
	}
}
