// Package loop implements the iteration controller: a fixed sequence of
// phases that assesses the repository, claims and builds work items, runs
// the quality gate cascade and decides whether to continue.
//
// A session is done only after two consecutive iterations end with an
// empty queue and every gate passing. Stalls detected from the iteration
// history pivot to the next untried strategy, and once every strategy has
// been tried the operator is asked to continue, skip or stop.
package loop
