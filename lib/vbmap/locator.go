package vbmap

import "iter"

// --------------------------------------------------------------------------
// Locator
// --------------------------------------------------------------------------

// PartitionIndexOf returns the partition key belongs to. The result only
// depends on the key, the hash algorithm and the partition count.
func (m *PartitionMap) PartitionIndexOf(key string) int {
	return int(m.hasher.Sum(key) % uint64(len(m.partitions)))
}

// validPartition reports whether p is a partition index of m.
func (m *PartitionMap) validPartition(p int) bool {
	return p >= 0 && p < len(m.partitions)
}

// Master returns the master node of partition p. ok is false if p is out of
// range or the master slot is currently unassigned.
func (m *PartitionMap) Master(p int) (addr NodeAddress, ok bool) {
	if !m.validPartition(p) {
		return NodeAddress{}, false
	}
	idx := m.partitions[p][0]
	if idx == Unassigned {
		return NodeAddress{}, false
	}
	return m.nodes[idx].Address, true
}

// Replicas returns the assigned replicas of partition p in replica order.
func (m *PartitionMap) Replicas(p int) []NodeAddress {
	if !m.validPartition(p) {
		return nil
	}
	row := m.partitions[p]
	out := make([]NodeAddress, 0, len(row)-1)
	for _, idx := range row[1:] {
		if idx != Unassigned {
			out = append(out, m.nodes[idx].Address)
		}
	}
	return out
}

// Replica returns the node in replica slot i (0-based) of partition p.
func (m *PartitionMap) Replica(p, i int) (NodeAddress, bool) {
	if !m.validPartition(p) || i < 0 || i+1 >= len(m.partitions[p]) {
		return NodeAddress{}, false
	}
	idx := m.partitions[p][i+1]
	if idx == Unassigned {
		return NodeAddress{}, false
	}
	return m.nodes[idx].Address, true
}

// FailoverSequence yields the master of partition p and then its replicas in
// order, skipping unassigned slots. The sequence is finite and may be ranged
// over any number of times.
func (m *PartitionMap) FailoverSequence(p int) iter.Seq[NodeAddress] {
	return func(yield func(NodeAddress) bool) {
		if !m.validPartition(p) {
			return
		}
		for _, idx := range m.partitions[p] {
			if idx == Unassigned {
				continue
			}
			if !yield(m.nodes[idx].Address) {
				return
			}
		}
	}
}

// ForwardMaster returns the master partition p will have after the running
// rebalance, if the map carries a forward map.
func (m *PartitionMap) ForwardMaster(p int) (NodeAddress, bool) {
	if m.forward == nil || !m.validPartition(p) {
		return NodeAddress{}, false
	}
	idx := m.forward[p][0]
	if idx == Unassigned {
		return NodeAddress{}, false
	}
	return m.nodes[idx].Address, true
}

// EffectiveReplicaCount returns how many replicas partition p can be
// observed on right now: the configured replica count, capped by the
// assigned replica slots of p and by the number of other nodes.
func (m *PartitionMap) EffectiveReplicaCount(p int) int {
	n := min(m.numReplicas, len(m.Replicas(p)))
	return max(0, min(n, len(m.nodes)-1))
}
