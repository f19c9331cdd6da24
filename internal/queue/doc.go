// Package queue persists jobs in SQLite and provides the atomic claim,
// lease, and state-transition primitives the rest of conveyor builds on.
//
// All writes that affect job ownership (Claim, RenewLease, Transition,
// ReclaimExpired) are single conditional statements so two workers can never
// both believe they own the same job.
package queue
