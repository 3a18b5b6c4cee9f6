// Package rpc provides the client driver and the communication layer between
// the driver and the data nodes of a partitioned key-value cluster.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the driver,
//     including the Message protocol, the Operation callback contract,
//     configuration structures, errors and logging.
//
//   - config: The configuration source. It fetches the partition map of a
//     bucket from the cluster's configuration service and follows its
//     streaming endpoint.
//
//   - transport: Node connections with pluggable connectors (TCP, Unix
//     sockets) that multiplex framed requests and correlate responses.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB)
//     for converting between Message objects and byte arrays.
//
//   - client: The topology manager, the operation router and the durability
//     observer, combined behind the Client facade.
package rpc
