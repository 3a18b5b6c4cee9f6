package vbmap

import "github.com/ValentinKolb/vbKV/lib/util"

// Distribution describes how partitions are spread over the nodes of a map.
type Distribution struct {
	Masters       map[NodeAddress]int
	Replicas      map[NodeAddress]int
	Unassigned    int
	MasterSpread  util.DistributionStats
	ReplicaSpread util.DistributionStats
}

// Distribution counts master and replica slots per node.
func (m *PartitionMap) Distribution() Distribution {
	d := Distribution{
		Masters:  make(map[NodeAddress]int, len(m.nodes)),
		Replicas: make(map[NodeAddress]int, len(m.nodes)),
	}
	for _, n := range m.nodes {
		d.Masters[n.Address] = 0
		d.Replicas[n.Address] = 0
	}
	for _, row := range m.partitions {
		if row[0] == Unassigned {
			d.Unassigned++
		} else {
			d.Masters[m.nodes[row[0]].Address]++
		}
		for _, idx := range row[1:] {
			if idx != Unassigned {
				d.Replicas[m.nodes[idx].Address]++
			}
		}
	}

	masters := make([]float64, 0, len(m.nodes))
	replicas := make([]float64, 0, len(m.nodes))
	for _, n := range m.nodes {
		masters = append(masters, float64(d.Masters[n.Address]))
		replicas = append(replicas, float64(d.Replicas[n.Address]))
	}
	d.MasterSpread = util.NewDistributionStats(masters)
	d.ReplicaSpread = util.NewDistributionStats(replicas)
	return d
}
