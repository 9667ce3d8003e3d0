// Package worker runs the background machinery of a dispatch: the bounded
// delivery pool, its retry/backoff policy, the shared Redis send budget, and
// the scheduler that starts campaigns whose scheduled time has arrived.
//
// The pool never touches campaign counters. Every per-recipient outcome is
// handed to a Sink, which is the campaign state machine in production.
package worker
