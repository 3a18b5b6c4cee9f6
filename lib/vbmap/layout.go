package vbmap

// Layout assigns partitions to nodeCount nodes: masters round-robin, replica
// slot r of partition p on node (master + r) mod nodeCount. Replica slots that
// would land on the master again are left unassigned, so a bucket with more
// configured replicas than spare nodes still produces a valid map.
func Layout(nodeCount, partitionCount, replicas int) [][]int {
	rows := make([][]int, partitionCount)
	for p := range rows {
		row := make([]int, replicas+1)
		if nodeCount == 0 {
			for i := range row {
				row[i] = Unassigned
			}
			rows[p] = row
			continue
		}
		master := p % nodeCount
		row[0] = master
		for r := 1; r <= replicas; r++ {
			if r >= nodeCount {
				row[r] = Unassigned
				continue
			}
			row[r] = (master + r) % nodeCount
		}
		rows[p] = row
	}
	return rows
}
