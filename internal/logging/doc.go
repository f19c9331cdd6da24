// Package logging builds the slog loggers used across conveyor and carries
// the standardized attribute helpers and field keys shared by all components.
package logging
