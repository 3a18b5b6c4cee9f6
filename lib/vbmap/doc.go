// Package vbmap models the partition ("vbucket") map of a bucket and the pure
// functions that locate keys on it.
//
// A PartitionMap is an immutable snapshot: the node list, the master and the
// ordered replicas of every partition, the replica count and the hash
// algorithm used to place keys. Maps are never changed after construction;
// a topology change produces a new map which replaces the old one wholesale,
// so readers holding the old snapshot keep a consistent view.
//
// Key Components:
//
//   - PartitionMap: the snapshot, built by New or ParseBucketConfig.
//
//   - Locator methods: PartitionIndexOf, Master, Replicas and FailoverSequence
//     map a key to a partition and a partition to its nodes.
//
//   - Diff: classifies the nodes of two maps into stay, odd (removed) and
//     fresh (added) sets, the input of a reconfiguration.
//
//   - Hashers: CRC (the protocol default), FNV, BLAKE2B and XXH64.
package vbmap
