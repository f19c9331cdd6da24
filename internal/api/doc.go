// Package api defines the transport types exchanged between the conveyor
// daemon's HTTP surface and its clients, plus the client used by the CLI.
package api
