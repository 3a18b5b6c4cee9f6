package vbmap

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPartitions is returned for maps without partitions. Servers report
	// such maps while a bucket is still warming up.
	ErrNoPartitions = errors.New("partition map has no partitions")
	// ErrInvalidMap wraps every other structural violation.
	ErrInvalidMap = errors.New("invalid partition map")
)

// Unassigned marks a master or replica slot without a node.
const Unassigned = -1

// Config holds the input of New.
type Config struct {
	// Revision orders maps of the same bucket; newer maps have larger revisions.
	Revision int64
	// Bucket is the bucket name, informational only.
	Bucket string
	// HashAlgorithm selects the key hash; ignored when Hasher is set.
	HashAlgorithm HashAlgorithm
	// Hasher overrides the hash algorithm.
	Hasher Hasher
	// NumReplicas is the configured replica count of the bucket.
	NumReplicas int
	// Nodes is the ordered node list; map entries are positions in it.
	Nodes []Node
	// Partitions holds one row per partition: master position followed by
	// replica positions. Unassigned slots are -1.
	Partitions [][]int
	// Forward optionally holds the rows the partitions will have once a
	// running rebalance completes.
	Forward [][]int
}

// PartitionMap is an immutable snapshot of the partition layout of a bucket.
type PartitionMap struct {
	revision    int64
	bucket      string
	algorithm   HashAlgorithm
	hasher      Hasher
	numReplicas int
	nodes       []Node
	positions   map[NodeAddress]int
	partitions  [][]int
	forward     [][]int
}

// New validates cfg and builds a PartitionMap. The slices of cfg are copied.
func New(cfg Config) (*PartitionMap, error) {
	if len(cfg.Partitions) == 0 {
		return nil, ErrNoPartitions
	}
	if cfg.NumReplicas < 0 {
		return nil, fmt.Errorf("%w: negative replica count %d", ErrInvalidMap, cfg.NumReplicas)
	}

	hasher := cfg.Hasher
	algorithm := cfg.HashAlgorithm
	if algorithm == "" {
		algorithm = HashCRC
	}
	if hasher == nil {
		h, err := algorithm.Hasher()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMap, err)
		}
		hasher = h
	}

	m := &PartitionMap{
		revision:    cfg.Revision,
		bucket:      cfg.Bucket,
		algorithm:   algorithm,
		hasher:      hasher,
		numReplicas: cfg.NumReplicas,
		nodes:       append([]Node(nil), cfg.Nodes...),
		positions:   make(map[NodeAddress]int, len(cfg.Nodes)),
	}

	for i, n := range m.nodes {
		if _, dup := m.positions[n.Address]; dup {
			return nil, fmt.Errorf("%w: duplicate node %s", ErrInvalidMap, n.Address)
		}
		m.positions[n.Address] = i
	}

	rows, err := m.copyRows(cfg.Partitions, "partition")
	if err != nil {
		return nil, err
	}
	m.partitions = rows

	if len(cfg.Forward) > 0 {
		if len(cfg.Forward) != len(cfg.Partitions) {
			return nil, fmt.Errorf("%w: forward map has %d partitions, expected %d",
				ErrInvalidMap, len(cfg.Forward), len(cfg.Partitions))
		}
		fwd, err := m.copyRows(cfg.Forward, "forward partition")
		if err != nil {
			return nil, err
		}
		m.forward = fwd
	}

	return m, nil
}

// copyRows validates and copies master/replica rows.
func (m *PartitionMap) copyRows(rows [][]int, what string) ([][]int, error) {
	out := make([][]int, len(rows))
	for p, row := range rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("%w: %s %d has no master entry", ErrInvalidMap, what, p)
		}
		assignedReplicas := 0
		used := make(map[int]bool, len(row))
		for slot, idx := range row {
			if idx < Unassigned || idx >= len(m.nodes) {
				return nil, fmt.Errorf("%w: %s %d slot %d references node %d of %d",
					ErrInvalidMap, what, p, slot, idx, len(m.nodes))
			}
			if idx == Unassigned {
				continue
			}
			if used[idx] {
				return nil, fmt.Errorf("%w: %s %d lists node %d twice", ErrInvalidMap, what, p, idx)
			}
			used[idx] = true
			if slot > 0 {
				assignedReplicas++
			}
		}
		if assignedReplicas > 0 && assignedReplicas > len(m.nodes)-1 {
			return nil, fmt.Errorf("%w: %s %d has %d replicas but only %d nodes",
				ErrInvalidMap, what, p, assignedReplicas, len(m.nodes))
		}
		out[p] = append([]int(nil), row...)
	}
	return out, nil
}

// Revision returns the map revision.
func (m *PartitionMap) Revision() int64 { return m.revision }

// Bucket returns the bucket name.
func (m *PartitionMap) Bucket() string { return m.bucket }

// HashAlgorithm returns the configured hash algorithm.
func (m *PartitionMap) HashAlgorithm() HashAlgorithm { return m.algorithm }

// PartitionCount returns the number of partitions, always >= 1.
func (m *PartitionMap) PartitionCount() int { return len(m.partitions) }

// NumReplicas returns the configured replica count of the bucket.
func (m *PartitionMap) NumReplicas() int { return m.numReplicas }

// Nodes returns a copy of the node list.
func (m *PartitionMap) Nodes() []Node {
	return append([]Node(nil), m.nodes...)
}

// Addresses returns the node addresses in node-list order.
func (m *PartitionMap) Addresses() []NodeAddress {
	out := make([]NodeAddress, len(m.nodes))
	for i, n := range m.nodes {
		out[i] = n.Address
	}
	return out
}

// Contains reports whether addr is in the node list.
func (m *PartitionMap) Contains(addr NodeAddress) bool {
	_, ok := m.positions[addr]
	return ok
}

// Partitions returns a copy of the master/replica rows.
func (m *PartitionMap) Partitions() [][]int {
	return copyMatrix(m.partitions)
}

// Forward returns a copy of the forward rows, nil if none were configured.
func (m *PartitionMap) Forward() [][]int {
	return copyMatrix(m.forward)
}

func copyMatrix(rows [][]int) [][]int {
	if rows == nil {
		return nil
	}
	out := make([][]int, len(rows))
	for i, row := range rows {
		out[i] = append([]int(nil), row...)
	}
	return out
}

// NewerThan reports whether m should replace other. A nil other is always
// replaced, and maps without a revision (0) cannot be ordered so they always
// replace.
func (m *PartitionMap) NewerThan(other *PartitionMap) bool {
	return other == nil || m.revision == 0 || m.revision > other.revision
}
