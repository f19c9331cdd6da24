// Package config loads, normalizes, and validates the TOML configuration
// shared by the conveyor daemon and CLI.
package config
