// Package gates implements the quality gate cascade.
//
// A Gate inspects the repository and returns a Result; it never mutates the
// work queue or loop state. The Cascade runs a fixed, ordered list of gates
// without short-circuiting, turns every failure into a work item whose
// priority comes from the severity table, and completes the items raised by
// gates that pass again.
//
// Default order:
//
//	preflight, lint, typecheck, test, integration, security, performance,
//	documentation, known-issues, work-queue, git-clean, final-verifier
//
// Command-backed gates (lint, typecheck, test, integration, performance)
// take their argv from the project Profile, which is auto-detected from the
// working directory and overridable from configuration.
package gates
