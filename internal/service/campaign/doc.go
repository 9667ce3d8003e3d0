// Package campaign implements campaign lifecycle management and dispatch.
//
// Each campaign has one Machine that owns its status and counters. All
// mutations (delivery outcomes from the worker pool, inbound tracking events,
// cancellation) go through the Machine's mutex, so a campaign has exactly one
// logical writer. The Registry hands out Machines by campaign id; different
// campaigns never share a lock.
//
// The Service ties the pieces together: it validates a dispatch request,
// resolves and freezes the recipients, enters sending exactly once, and runs
// the delivery pool in the background.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package campaign
