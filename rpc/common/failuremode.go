package common

import (
	"fmt"
	"strings"
)

// FailureMode decides how operations are routed when their target node is
// inactive. The zero value is FailureModeRedistribute.
type FailureMode uint8

const (
	// FailureModeRedistribute sends the operation to the first active node
	// of the partition's failover sequence.
	FailureModeRedistribute FailureMode = iota
	// FailureModeRetry queues the operation on the inactive node.
	FailureModeRetry
	// FailureModeCancel fails the operation immediately.
	FailureModeCancel
)

// FailureModes lists every mode in declaration order.
var FailureModes = []FailureMode{FailureModeRedistribute, FailureModeRetry, FailureModeCancel}

func (m FailureMode) String() string {
	switch m {
	case FailureModeRedistribute:
		return "redistribute"
	case FailureModeRetry:
		return "retry"
	case FailureModeCancel:
		return "cancel"
	default:
		return fmt.Sprintf("FailureMode(%d)", uint8(m))
	}
}

// ParseFailureMode parses the case-insensitive mode name.
func ParseFailureMode(s string) (FailureMode, error) {
	for _, m := range FailureModes {
		if strings.EqualFold(strings.TrimSpace(s), m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid failure mode %q, must be one of redistribute, retry, cancel", s)
}

// DurabilityRequirement is the number of nodes a mutation must have reached
// before it counts as durable. The master counts towards PersistTo only.
type DurabilityRequirement struct {
	PersistTo   int
	ReplicateTo int
}

// IsZero reports whether no durability was requested.
func (r DurabilityRequirement) IsZero() bool {
	return r.PersistTo == 0 && r.ReplicateTo == 0
}

func (r DurabilityRequirement) String() string {
	return fmt.Sprintf("persistTo=%d replicateTo=%d", r.PersistTo, r.ReplicateTo)
}
