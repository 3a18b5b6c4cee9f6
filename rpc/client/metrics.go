package client

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// clientMetrics holds the counters of one client. Every client owns its own
// set so several clients in one process do not share series.
type clientMetrics struct {
	set *metrics.Set

	routed          *metrics.Counter
	failedOver      *metrics.Counter
	cancelled       *metrics.Counter
	redirected      *metrics.Counter
	retried         *metrics.Counter
	orphaned        *metrics.Counter
	mapsApplied     *metrics.Counter
	mapsSkipped     *metrics.Counter
	reapedDrained   *metrics.Counter
	reapedForced    *metrics.Counter
	observePolls    *metrics.Counter
	durabilityFails *metrics.Counter
	opDuration      *metrics.Histogram
	observeDuration *metrics.Histogram
}

func newClientMetrics(clientID string) *clientMetrics {
	s := metrics.NewSet()
	name := func(n string) string { return fmt.Sprintf(`vbkv_%s{client=%q}`, n, clientID) }
	return &clientMetrics{
		set:             s,
		routed:          s.NewCounter(name("operations_routed_total")),
		failedOver:      s.NewCounter(name("operations_failed_over_total")),
		cancelled:       s.NewCounter(name("operations_node_unavailable_total")),
		redirected:      s.NewCounter(name("operations_redirected_total")),
		retried:         s.NewCounter(name("operations_retried_total")),
		orphaned:        s.NewCounter(name("operations_orphaned_total")),
		mapsApplied:     s.NewCounter(name("partition_maps_applied_total")),
		mapsSkipped:     s.NewCounter(name("partition_maps_skipped_total")),
		reapedDrained:   s.NewCounter(name("connections_reaped_drained_total")),
		reapedForced:    s.NewCounter(name("connections_reaped_forced_total")),
		observePolls:    s.NewCounter(name("observe_polls_total")),
		durabilityFails: s.NewCounter(name("durability_failures_total")),
		opDuration:      s.NewHistogram(name("operation_duration_seconds")),
		observeDuration: s.NewHistogram(name("observe_duration_seconds")),
	}
}

func (m *clientMetrics) write(w io.Writer) {
	m.set.WritePrometheus(w)
}
