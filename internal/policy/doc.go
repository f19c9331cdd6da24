// Package policy decides what happens after a pipeline stage fails: retry
// with a jittered exponential backoff, abandon immediately, or escalate once
// the attempt budget is spent. Decisions are pure; callers apply them to the
// job store.
package policy
