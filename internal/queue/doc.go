// Package queue implements the prioritized, dependency-aware work queue.
//
// Items are ordered by a configurable PriorityTable (default
// S0 > S1 > CoverageGap > S2 > TechDebt > S3 > Enhancement), then by the
// iteration that added them, then by insertion order. An item whose
// BlockedBy set names any unfinished item stays blocked; completing an item
// releases its dependents in the same call.
//
// All operations on a Queue are serialized by one mutex, so concurrent
// workers in swarm mode can call ClaimNext without ever receiving the same
// item twice.
//
// Items are never deleted. The queue's contents are snapshotted through
// Items and reloaded through Restore.
package queue
