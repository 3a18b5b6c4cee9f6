package base_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/vbKV/lib/vbmap"
	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/ValentinKolb/vbKV/rpc/serializer"
	"github.com/ValentinKolb/vbKV/rpc/transport"
	"github.com/ValentinKolb/vbKV/rpc/transport/base"
	"github.com/ValentinKolb/vbKV/rpc/transport/tcp"
	"github.com/ValentinKolb/vbKV/rpc/transport/unix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers every request with the key as value and the frame
// partition as cas. Keys starting with "silent" are never answered.
func echoHandler(s serializer.IRPCSerializer) transport.ServerHandleFunc {
	return func(partition uint64, data []byte) []byte {
		var req common.Message
		if err := s.Deserialize(data, &req); err != nil {
			return nil
		}
		if len(req.Key) >= 6 && req.Key[:6] == "silent" {
			return nil
		}
		resp, _ := s.Serialize(common.Message{MsgType: req.MsgType, Value: []byte(req.Key), Cas: partition})
		return resp
	}
}

func startTCP(t *testing.T) (transport.IRPCServerTransport, vbmap.NodeAddress) {
	t.Helper()
	srv := tcp.NewTCPServerTransport()
	srv.RegisterHandler(echoHandler(serializer.NewBinarySerializer()))
	bound, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	addr, err := vbmap.ParseNodeAddress(bound)
	require.NoError(t, err)
	return srv, addr
}

func testOptions() base.NodeOptions {
	cfg := common.DefaultClientConfig().Transport
	cfg.ReconnectBackoff = 20 * time.Millisecond
	cfg.OpTimeout = time.Second
	return base.NodeOptions{Config: cfg, Serializer: serializer.NewBinarySerializer()}
}

type result struct {
	resp *common.Message
	err  error
}

func newOp(key string, partition int, timeout time.Duration) (*common.Operation, chan result) {
	ch := make(chan result, 1)
	op := common.NewOperation(common.NewGetRequest(key), timeout, func(resp *common.Message, err error) {
		ch <- result{resp, err}
	})
	op.SetPartition(partition)
	return op, ch
}

func await(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not complete")
		return result{}
	}
}

func TestNodeConnection_RequestResponse(t *testing.T) {
	_, addr := startTCP(t)
	conn := tcp.NewNodeFactory(testOptions())(addr)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()

	assert.True(t, conn.IsActive())
	assert.Equal(t, addr, conn.Address())

	chans := make([]chan result, 50)
	for i := range chans {
		op, ch := newOp("key", i, time.Second)
		require.NoError(t, conn.Enqueue(op))
		chans[i] = ch
	}
	for i, ch := range chans {
		r := await(t, ch)
		require.NoError(t, r.err)
		assert.Equal(t, []byte("key"), r.resp.Value)
		assert.Equal(t, uint64(i), r.resp.Cas)
	}
}

func TestNodeConnection_Timeout(t *testing.T) {
	_, addr := startTCP(t)
	conn := tcp.NewNodeFactory(testOptions())(addr)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()

	op, ch := newOp("silent-key", 0, 100*time.Millisecond)
	require.NoError(t, conn.Enqueue(op))

	r := await(t, ch)
	assert.ErrorIs(t, r.err, common.ErrOperationTimeout)
	assert.Eventually(t, func() bool { return conn.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestNodeConnection_ParksWhileDownAndRedials(t *testing.T) {
	dir := t.TempDir()
	addr := vbmap.NodeAddress{Host: "node-1", Port: 11210}

	opts := testOptions()
	opts.Config.SocketDir = dir
	conn := unix.NewNodeFactory(opts)(addr)

	err := conn.Open(context.Background())
	require.Error(t, err)
	assert.False(t, conn.IsActive())

	op, ch := newOp("parked", 3, 5*time.Second)
	require.NoError(t, conn.Enqueue(op))
	assert.Eventually(t, func() bool { return conn.Pending() == 1 }, time.Second, 5*time.Millisecond)

	srv := unix.NewUnixServerTransport()
	srv.RegisterHandler(echoHandler(serializer.NewBinarySerializer()))
	_, err = srv.Listen(unix.SocketPath(dir, addr))
	require.NoError(t, err)
	defer srv.Close()

	r := await(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, []byte("parked"), r.resp.Value)
	assert.True(t, conn.IsActive())
	require.NoError(t, conn.Close())
}

func TestNodeConnection_BrokenSocketOrphansInflight(t *testing.T) {
	srv, addr := startTCP(t)

	var orphaned atomic.Int32
	opts := testOptions()
	opts.OnOrphan = func(from vbmap.NodeAddress, op *common.Operation, err error) {
		orphaned.Add(1)
		op.Cancel(err)
	}
	conn := tcp.NewNodeFactory(opts)(addr)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()

	op, ch := newOp("silent-forever", 0, 5*time.Second)
	require.NoError(t, conn.Enqueue(op))
	assert.Eventually(t, func() bool { return conn.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Close())

	r := await(t, ch)
	assert.ErrorIs(t, r.err, common.ErrConnectionLost)
	assert.Equal(t, int32(1), orphaned.Load())
	assert.Eventually(t, func() bool { return !conn.IsActive() }, time.Second, 5*time.Millisecond)
}

func TestNodeConnection_DrainAndClose(t *testing.T) {
	dir := t.TempDir()
	addr := vbmap.NodeAddress{Host: "down", Port: 1}
	opts := testOptions()
	opts.Config.SocketDir = dir

	var orphans []string
	opts.OnOrphan = func(_ vbmap.NodeAddress, op *common.Operation, err error) {
		if errors.Is(err, common.ErrNodeShutdown) {
			orphans = append(orphans, op.Key())
		}
	}
	conn := unix.NewNodeFactory(opts)(addr)
	_ = conn.Open(context.Background())

	for _, key := range []string{"a", "b"} {
		op, _ := newOp(key, 0, 0)
		require.NoError(t, conn.Enqueue(op))
	}

	conn.Drain()
	op, _ := newOp("late", 0, 0)
	assert.ErrorIs(t, conn.Enqueue(op), common.ErrConnectionClosing)

	require.NoError(t, conn.Close())
	assert.Equal(t, []string{"a", "b"}, orphans)
	assert.ErrorIs(t, conn.Enqueue(op), common.ErrNodeShutdown)
	assert.Equal(t, 0, conn.Pending())
	require.NoError(t, conn.Close())
}

func TestNodeConnection_QueueFull(t *testing.T) {
	opts := testOptions()
	opts.Config.QueueSize = 1
	conn := tcp.NewNodeFactory(opts)(vbmap.NodeAddress{Host: "127.0.0.1", Port: 1})

	// not opened: nothing drains the queue
	op1, _ := newOp("a", 0, 0)
	op2, _ := newOp("b", 0, 0)
	require.NoError(t, conn.Enqueue(op1))
	assert.ErrorIs(t, conn.Enqueue(op2), common.ErrQueueFull)
	require.NoError(t, conn.Close())
	assert.True(t, op1.IsCancelled())
}
