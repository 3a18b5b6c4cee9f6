package client

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ValentinKolb/vbKV/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_KeyValue(t *testing.T) {
	h := ringHarness(t, common.FailureModeRedistribute)
	ctx := context.Background()

	res, err := h.client.Set(ctx, "a", []byte("value"), MutationOptions{Expiry: 1500 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Cas)

	get, err := h.client.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "n2:11210", string(get.Value))

	get, err = h.client.GetReplica(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, "n3:11210", string(get.Value))

	_, err = h.client.Add(ctx, "b", []byte("x"), MutationOptions{})
	require.NoError(t, err)
	_, err = h.client.Replace(ctx, "c", []byte("x"), MutationOptions{Cas: 4})
	require.NoError(t, err)
	_, err = h.client.Delete(ctx, "d", MutationOptions{})
	require.NoError(t, err)

	n2 := h.node(nodeAddr(2))
	n2.mu.Lock()
	set := n2.ops[0].Request()
	n2.mu.Unlock()
	assert.Equal(t, common.MsgTSet, set.MsgType)
	assert.Equal(t, uint64(2), set.Expiry)

	_, err = h.client.GetReplica(ctx, "a", -1)
	assert.Error(t, err)
}

func TestClient_ServerErrors(t *testing.T) {
	h := ringHarness(t, common.FailureModeRedistribute)
	h.respond = func(n *fakeNode, op *common.Operation) *common.Message {
		switch op.Key() {
		case "a":
			return common.NewResponse(op.Request().MsgType, common.StatusKeyNotFound)
		case "b":
			return common.NewResponse(op.Request().MsgType, common.StatusKeyExists)
		default:
			// answers with the wrong message type
			return common.NewResponse(common.MsgTDelete, common.StatusSuccess)
		}
	}
	ctx := context.Background()

	_, err := h.client.Get(ctx, "a")
	assert.ErrorIs(t, err, common.ErrKeyNotFound)
	_, err = h.client.Add(ctx, "b", nil, MutationOptions{})
	assert.ErrorIs(t, err, common.ErrKeyExists)
	_, err = h.client.Get(ctx, "c")
	assert.ErrorIs(t, err, common.ErrServer)
}

func TestClient_ContextCancelled(t *testing.T) {
	h := ringHarness(t, common.FailureModeRedistribute)
	h.respond = func(*fakeNode, *common.Operation) *common.Message { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.client.Get(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Do(t *testing.T) {
	h := ringHarness(t, common.FailureModeRedistribute)

	done := make(chan error, 1)
	h.client.Do(common.NewOperation(common.NewGetRequest("c"), time.Second, func(_ *common.Message, err error) {
		done <- err
	}))
	assert.NoError(t, <-done)
	assert.Equal(t, []string{"c"}, h.node(nodeAddr(3)).received())

	require.NoError(t, h.client.Close())
	h.client.Do(common.NewOperation(common.NewGetRequest("c"), time.Second, func(_ *common.Message, err error) {
		done <- err
	}))
	assert.ErrorIs(t, <-done, common.ErrClientClosed)

	_, err := h.client.Get(context.Background(), "c")
	assert.ErrorIs(t, err, common.ErrClientClosed)
	assert.ErrorIs(t, h.client.Refresh(context.Background()), common.ErrClientClosed)
}

func TestClient_Introspection(t *testing.T) {
	h := ringHarness(t, common.FailureModeCancel)

	assert.Equal(t, "test", h.client.ID())
	assert.Equal(t, common.FailureModeCancel, h.client.FailureMode())
	assert.False(t, h.client.Stale())
	_, err := h.client.Get(context.Background(), "a")
	require.NoError(t, err)

	var buf bytes.Buffer
	h.client.WriteMetrics(&buf)
	assert.Contains(t, buf.String(), `vbkv_operations_routed_total{client="test"} 1`)
	assert.Contains(t, buf.String(), `vbkv_partition_map_revision{client="test"} 1`)
}

func TestExpirySeconds(t *testing.T) {
	assert.Equal(t, uint64(0), expirySeconds(0))
	assert.Equal(t, uint64(0), expirySeconds(-time.Second))
	assert.Equal(t, uint64(1), expirySeconds(time.Millisecond))
	assert.Equal(t, uint64(60), expirySeconds(time.Minute))
}
