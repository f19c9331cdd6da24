// Command conveyor is the operator CLI for the conveyor daemon. It submits
// payloads, inspects and reorders the queue, and streams the status feed
// over the daemon's HTTP API.
package main
