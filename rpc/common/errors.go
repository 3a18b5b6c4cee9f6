package common

import (
	"errors"
	"fmt"
	"time"
)

// Per-operation outcomes. Match them with errors.Is.
var (
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyExists          = errors.New("key exists")
	ErrNotMyPartition     = errors.New("node does not own the partition")
	ErrTemporaryFailure   = errors.New("temporary failure")
	ErrServer             = errors.New("server error")
	ErrOperationTimeout   = errors.New("operation timed out")
	ErrOperationCancelled = errors.New("operation cancelled")
	ErrConnectionClosing  = errors.New("connection is shutting down")
	ErrNodeShutdown       = errors.New("node connection was shut down")
	ErrConnectionLost     = errors.New("connection to node was lost")
	ErrQueueFull          = errors.New("outbound queue is full")
	ErrNotBootstrapped    = errors.New("no partition map available")
	ErrClientClosed       = errors.New("client is closed")
)

// ConfigurationError is returned when no usable partition map could be
// obtained from any bootstrap endpoint.
type ConfigurationError struct {
	Bucket   string
	Attempts int
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("could not load configuration of bucket %q after %d attempts: %v", e.Bucket, e.Attempts, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NodeUnavailableError is the failure of an operation whose target node was
// inactive under FailureModeCancel.
type NodeUnavailableError struct {
	Node      string
	Partition int
}

func (e *NodeUnavailableError) Error() string {
	return fmt.Sprintf("node %s for partition %d is unavailable", e.Node, e.Partition)
}

// DurabilityTimeoutError is returned when the durability requirement was not
// met within the configured number of polls. The write itself succeeded.
type DurabilityTimeoutError struct {
	Key     string
	Polls   int
	Elapsed time.Duration
}

func (e *DurabilityTimeoutError) Error() string {
	return fmt.Sprintf("durability of %q not reached after %d polls (%s)", e.Key, e.Polls, e.Elapsed)
}

// DurabilityModifiedError is returned when a concurrent write replaced the
// observed document on its master.
type DurabilityModifiedError struct {
	Key         string
	ExpectedCas uint64
	ActualCas   uint64
}

func (e *DurabilityModifiedError) Error() string {
	return fmt.Sprintf("document %q was modified during durability polling (cas %d, now %d)", e.Key, e.ExpectedCas, e.ActualCas)
}

// UnsatisfiableDurabilityError is returned before any poll when the current
// topology cannot satisfy the requirement.
type UnsatisfiableDurabilityError struct {
	Requirement DurabilityRequirement
	Replicas    int
}

func (e *UnsatisfiableDurabilityError) Error() string {
	return fmt.Sprintf("durability requirement %s cannot be met with %d replicas", e.Requirement, e.Replicas)
}
