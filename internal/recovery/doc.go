// Package recovery classifies failures and decides how to recover from them.
//
// Classify maps a raw error message onto one of nine categories using an
// ordered rule list. The Engine keeps one ErrorRecord per failing
// operation and applies the category's Policy: schedule a retry with
// backoff, or, once retries are exhausted, hand the problem off by
// enqueuing a work item, blocking the affected item, pausing new work, or
// escalating to the operator.
//
// Retries are scheduled, never slept. Callers poll Tick for records whose
// retry time has arrived and carry on with other work in the meantime.
package recovery
