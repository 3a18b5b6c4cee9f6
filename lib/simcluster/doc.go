// Package simcluster runs a small bucket cluster inside the current process.
//
// A Cluster consists of data nodes serving the framed node protocol over TCP
// or Unix sockets and a configuration service that publishes the partition
// map over HTTP, both as a single document and as a stream. Writes are
// replicated and persisted after configurable delays, so durability
// requirements take real polls to be satisfied.
//
// The cluster can be reshaped while clients are connected: nodes can be
// added and removed (the partitions are rebalanced and their documents
// moved), stopped and restarted, or made unresponsive. Persistence can be
// switched off and documents can be modified behind the clients' back.
//
// Usage Example:
//
//	cluster, err := simcluster.Start(simcluster.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer cluster.Close()
//
//	c, err := client.NewClient(ctx, cluster.ClientConfig())
package simcluster
