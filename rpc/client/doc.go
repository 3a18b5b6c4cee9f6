// Package client implements the topology-aware key-value client of a bucket.
// The client loads the bucket's partition map from the configuration service,
// keeps following it and sends every operation straight to the node that
// owns the key.
//
// The package focuses on:
//   - Lock-free routing against an immutable snapshot of the partition map
//   - Reconfiguration without interrupting operations in flight
//   - Configurable behavior when the owning node is down
//   - Durability checks by polling master and replicas
//
// Key Components:
//
//   - TopologyManager: Owns the current partition map and one connection per
//     node. A new map is applied by diffing the node lists: connections of
//     nodes present in both maps are kept, new nodes are dialed, and removed
//     nodes are drained and closed by a reaper after a grace period. Only one
//     reconfiguration runs at a time; a map arriving meanwhile is not queued.
//
//   - Router: Resolves key to partition to node and enqueues the operation.
//     When the node is down the failure mode decides: Redistribute walks the
//     partition's failover sequence, Retry parks the operation on the node's
//     connection and Cancel fails it with a NodeUnavailableError. Wrong owner
//     answers are redirected using the server's hint and the forward map.
//
//   - Observer: Polls master and replicas of a key until a mutation is
//     persisted and replicated as requested.
//
//   - Client: Wires the components above to a configuration source and a
//     transport and offers Get, Set, Add, Replace, Delete and Observe.
//
// Usage Example:
//
//	cfg := common.DefaultClientConfig()
//	cfg.Bootstrap.Endpoints = []string{"http://10.0.0.1:8091"}
//	cfg.Bootstrap.Bucket = "default"
//
//	c, err := client.NewClient(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	res, err := c.Set(ctx, "mykey", []byte("myvalue"), client.MutationOptions{
//		Durability: common.DurabilityRequirement{PersistTo: 1, ReplicateTo: 1},
//	})
//	value, err := c.Get(ctx, "mykey")
//
// Thread Safety:
//
//	A Client is safe for concurrent use. Every client owns its configuration,
//	connections and metrics; several clients can share one process.
package client
