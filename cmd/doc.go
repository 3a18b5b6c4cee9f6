// Package cmd implements the command-line interface of vbKV. It provides a
// hierarchical command structure for talking to a cluster through the client
// driver and for running a simulated cluster to talk to.
//
// The package is organized into several subpackages:
//
//   - kv: Key-value operations (get, set, add, replace, delete, observe, perf)
//   - topology: Inspecting and following the partition map of a bucket
//   - sim: Running an in-process cluster with a configuration service
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set through an environment variable with the VBKV_
// prefix (e.g. VBKV_ENDPOINTS), read from the environment or from .env and
// .env.local in the working directory.
//
// See vbkv -help for a list of all commands.
package cmd
