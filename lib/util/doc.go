// Package util provides small concurrency and math helpers shared by the
// driver packages.
//
// The package contains:
//   - mpsc: a lock-free multi-producer single-consumer queue, used as the
//     append-only hand-off between topology reconfiguration and the
//     connection shutdown reaper
//   - deadlineheap: a keyed min-heap ordered by deadline, used by the reaper
//     to track draining connections and their grace periods
//   - statistics: spread metrics (mean, std deviation, min/max ratio) used to
//     report how evenly partitions are distributed over nodes
//   - functions: the FNV-1a string hash
package util
