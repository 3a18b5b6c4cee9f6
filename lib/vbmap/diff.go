package vbmap

// Delta classifies the nodes of two maps.
type Delta struct {
	// Stay holds nodes present in both maps, in new-map order.
	Stay []NodeAddress
	// Odd holds nodes only present in the old map, in old-map order.
	Odd []NodeAddress
	// Fresh holds nodes only present in the new map, in new-map order.
	Fresh []NodeAddress
}

// Diff compares the node lists of old and next by address identity. A nil old
// map makes every node of next fresh.
func Diff(old, next *PartitionMap) Delta {
	var d Delta
	if next != nil {
		for _, n := range next.nodes {
			if old != nil && old.Contains(n.Address) {
				d.Stay = append(d.Stay, n.Address)
			} else {
				d.Fresh = append(d.Fresh, n.Address)
			}
		}
	}
	if old != nil {
		for _, n := range old.nodes {
			if next == nil || !next.Contains(n.Address) {
				d.Odd = append(d.Odd, n.Address)
			}
		}
	}
	return d
}

// Empty reports whether the node sets of both maps are identical.
func (d Delta) Empty() bool {
	return len(d.Odd) == 0 && len(d.Fresh) == 0
}
