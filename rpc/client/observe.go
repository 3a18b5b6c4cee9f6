package client

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/vbKV/rpc/common"
)

// ObserveOptions configures an Observer.
type ObserveOptions struct {
	// PollInterval is the pause between two polls
	PollInterval time.Duration
	// MaxPolls bounds the polls of one observation
	MaxPolls int
	// Window is how long one poll waits for the nodes to answer
	Window time.Duration
}

// ObserveOutcome describes the last poll of a successful observation.
type ObserveOutcome struct {
	Polls   int
	Elapsed time.Duration
	// Persisted counts the nodes, master included, that persisted the state
	Persisted int
	// Replicated counts the replicas that hold the state
	Replicated int
}

// Observer polls the master and the replicas of a key until a mutation
// reached the requested durability.
type Observer struct {
	router  *Router
	opts    ObserveOptions
	metrics *clientMetrics
}

// NewObserver creates an observer sending its probes through router
func NewObserver(router *Router, opts ObserveOptions, m *clientMetrics) *Observer {
	return &Observer{router: router, opts: opts, metrics: m}
}

// probe is the answer of one node to an observe request
type probe struct {
	replica int
	resp    *common.Message
	err     error
}

// ObserveUntilSatisfied waits until the mutation of key that produced cas is
// persisted on req.PersistTo nodes and present on req.ReplicateTo replicas.
// For deletions isDelete must be set; the absence of the key is observed
// then. Requirements the current map cannot meet fail before any poll.
func (o *Observer) ObserveUntilSatisfied(ctx context.Context, key string, cas uint64, req common.DurabilityRequirement, isDelete bool) (*ObserveOutcome, error) {
	if req.IsZero() {
		return &ObserveOutcome{}, nil
	}
	s := o.router.topo.snapshot()
	if s == nil {
		return nil, common.ErrNotBootstrapped
	}
	p := s.m.PartitionIndexOf(key)
	replicas := s.m.EffectiveReplicaCount(p)
	if req.PersistTo < 0 || req.ReplicateTo < 0 || req.ReplicateTo > replicas || req.PersistTo > replicas+1 {
		o.fail()
		return nil, &common.UnsatisfiableDurabilityError{Requirement: req, Replicas: replicas}
	}

	start := time.Now()
	defer o.count(func(m *clientMetrics) { m.observeDuration.UpdateDuration(start) })
	for poll := 1; ; poll++ {
		o.count(func(m *clientMetrics) { m.observePolls.Inc() })

		out, err := o.poll(ctx, key, cas, replicas, isDelete)
		if err != nil {
			o.fail()
			return nil, err
		}
		out.Polls = poll
		out.Elapsed = time.Since(start)
		if out.Persisted >= req.PersistTo && out.Replicated >= req.ReplicateTo {
			Logger.Debugf("%q satisfied %s after %d polls", key, req, poll)
			return out, nil
		}
		if poll >= o.opts.MaxPolls {
			o.fail()
			return nil, &common.DurabilityTimeoutError{Key: key, Polls: poll, Elapsed: out.Elapsed}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// poll broadcasts one observe request to the master and to the first
// replicas replica slots and tallies the answers that arrive in the window
func (o *Observer) poll(ctx context.Context, key string, cas uint64, replicas int, isDelete bool) (*ObserveOutcome, error) {
	targets := replicas + 1
	answers := make(chan probe, targets)

	for i := common.MasterTarget; i < replicas; i++ {
		op := common.NewOperation(common.NewObserveRequest(key, cas), o.opts.Window, func(resp *common.Message, err error) {
			answers <- probe{replica: i, resp: resp, err: err}
		})
		// an answer from any other node would be tallied for the wrong slot
		op.Pin()
		o.router.RouteToReplica(op, i)
	}

	window := time.NewTimer(o.opts.Window)
	defer window.Stop()

	out := &ObserveOutcome{}
	for received := 0; received < targets; received++ {
		var pr probe
		select {
		case pr = <-answers:
		case <-window.C:
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if pr.err != nil || pr.resp == nil {
			continue
		}
		st := pr.resp.Observe

		if pr.replica == common.MasterTarget && masterModified(pr.resp, cas, isDelete) {
			return nil, &common.DurabilityModifiedError{Key: key, ExpectedCas: cas, ActualCas: pr.resp.Cas}
		}

		present := st.Found()
		if isDelete {
			present = st.NotFound()
		}
		if !present {
			continue
		}
		if st.Persisted() {
			out.Persisted++
		}
		if pr.replica != common.MasterTarget {
			out.Replicated++
		}
	}
	return out, nil
}

// masterModified reports whether the master holds another mutation than the
// one being observed. For a deletion any live version on the master counts.
func masterModified(resp *common.Message, cas uint64, isDelete bool) bool {
	if resp.Observe == common.ObserveModified {
		return true
	}
	if !resp.Observe.Found() {
		return false
	}
	if isDelete {
		return cas != 0 && resp.Cas != cas
	}
	return cas != 0 && resp.Cas != 0 && resp.Cas != cas
}

func (o *Observer) fail() {
	o.count(func(m *clientMetrics) { m.durabilityFails.Inc() })
}

func (o *Observer) count(f func(m *clientMetrics)) {
	if o.metrics != nil {
		f(o.metrics)
	}
}

// IsDurabilityError reports whether err means the durability requirement was
// not met although the mutation itself succeeded
func IsDurabilityError(err error) bool {
	var (
		timeout  *common.DurabilityTimeoutError
		modified *common.DurabilityModifiedError
		unsat    *common.UnsatisfiableDurabilityError
	)
	return errors.As(err, &timeout) || errors.As(err, &modified) || errors.As(err, &unsat)
}
