package common

import (
	"sync/atomic"
	"time"
)

// Callback receives the outcome of an Operation. It is invoked exactly once,
// either with the node's response or with the reason the operation failed.
type Callback func(resp *Message, err error)

const (
	opPending uint32 = iota
	opDone
	opCancelled
)

// MasterTarget is the replica index of operations routed to the master.
const MasterTarget = -1

// Operation is a keyed request in flight through the router and one node
// connection. It is owned by exactly one connection queue at a time.
type Operation struct {
	req       *Message
	callback  Callback
	deadline  time.Time
	replica   int
	pinned    bool
	partition atomic.Int32
	redirects atomic.Int32
	state     atomic.Uint32
}

// NewOperation creates an operation for req. A non-positive timeout disables
// the transport deadline.
func NewOperation(req *Message, timeout time.Duration, cb Callback) *Operation {
	op := &Operation{req: req, callback: cb, replica: MasterTarget}
	if timeout > 0 {
		op.deadline = time.Now().Add(timeout)
	}
	op.partition.Store(-1)
	return op
}

// Key returns the document key.
func (o *Operation) Key() string { return o.req.Key }

// Request returns the request message.
func (o *Operation) Request() *Message { return o.req }

// Partition returns the partition resolved by the router, -1 before routing.
func (o *Operation) Partition() int { return int(o.partition.Load()) }

// SetPartition records the resolved partition.
func (o *Operation) SetPartition(p int) { o.partition.Store(int32(p)) }

// Replica returns the replica slot the operation targets, or MasterTarget.
func (o *Operation) Replica() int { return o.replica }

// SetReplica makes the operation target replica slot i instead of the master.
// It must be called before the operation is routed.
func (o *Operation) SetReplica(i int) { o.replica = i }

// Pin keeps the operation on the node of its slot. A pinned operation whose
// node is not active is cancelled instead of being sent elsewhere. It must be
// called before the operation is routed.
func (o *Operation) Pin() { o.pinned = true }

// Pinned reports whether the operation may not fail over.
func (o *Operation) Pinned() bool { return o.pinned }

// Deadline returns the transport deadline, zero if none.
func (o *Operation) Deadline() time.Time { return o.deadline }

// Expired reports whether the deadline has passed at now.
func (o *Operation) Expired(now time.Time) bool {
	return !o.deadline.IsZero() && !now.Before(o.deadline)
}

// Redirects returns how often the operation was re-routed after a wrong owner
// response.
func (o *Operation) Redirects() int { return int(o.redirects.Load()) }

// AddRedirect increments and returns the redirect count.
func (o *Operation) AddRedirect() int { return int(o.redirects.Add(1)) }

// Complete delivers the outcome. Only the first Complete or Cancel wins; the
// result reports whether this call invoked the callback.
func (o *Operation) Complete(resp *Message, err error) bool {
	if !o.state.CompareAndSwap(opPending, opDone) {
		return false
	}
	if o.callback != nil {
		o.callback(resp, err)
	}
	return true
}

// Cancel fails the operation with err, or ErrOperationCancelled if err is
// nil. It is safe to call concurrently with Complete.
func (o *Operation) Cancel(err error) bool {
	if !o.state.CompareAndSwap(opPending, opCancelled) {
		return false
	}
	if err == nil {
		err = ErrOperationCancelled
	}
	if o.callback != nil {
		o.callback(nil, err)
	}
	return true
}

// IsDone reports whether the operation was completed or cancelled.
func (o *Operation) IsDone() bool { return o.state.Load() != opPending }

// IsCancelled reports whether the operation ended through Cancel.
func (o *Operation) IsCancelled() bool { return o.state.Load() == opCancelled }
