// Package common provides the data structures shared by the client driver,
// its transports and the simulated cluster.
//
// Key Components:
//
//   - Message: the request and response structure exchanged with nodes. The
//     partition a request targets travels in the frame header.
//
//   - Operation: a keyed request with an exactly-once completion callback and
//     an atomic pending/done/cancelled state.
//
//   - FailureMode and DurabilityRequirement: the routing policy for inactive
//     nodes and the persistTo/replicateTo counts of a mutation.
//
//   - ClientConfig: explicit per-client configuration, no process globals.
//
//   - Errors: sentinel errors for per-operation outcomes and typed errors for
//     configuration, routing and durability failures.
//
//   - Logger: a dragonboat logger.Factory with the project log format.
package common
