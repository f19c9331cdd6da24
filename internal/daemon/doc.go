// Package daemon coordinates the long-running conveyor process.
//
// It wires configuration, the job store, the storage locator, the queue
// manager, and the worker pool into a single lifecycle with flock-based
// locking to prevent multiple instances, and exposes the HTTP API consumed
// by the CLI and the web layer.
//
// Keep orchestration logic here: individual pipeline stages and queue
// operations live in their respective packages while the daemon focuses on
// startup, shutdown, and the API surface.
package daemon
