// Package manager is the single authority over queue membership: admission
// of discovered and submitted work, reordering, pause/resume, cancellation,
// operator requeue, retention cleanup, and lease reclamation. Workers only
// ever claim what the manager has admitted.
package manager
