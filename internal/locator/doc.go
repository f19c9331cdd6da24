// Package locator tracks the storage locations that hold source media. It
// probes each location for reachability and write permission on an
// independent interval, and surfaces new candidate work items for the queue
// manager, newest first. A bad mount degrades its own location only;
// discovery elsewhere is unaffected.
package locator
