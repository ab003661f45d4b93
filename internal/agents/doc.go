// Package agents coordinates parallel agent work.
//
// A Coordinator spawns TaskSpecs onto an Executor with bounded concurrency
// and a token-bucket spawn throttle, waits for all of them, and reports
// failed tasks to the recovery engine. Synthesize merges the findings of a
// batch into deduplicated work items.
package agents
