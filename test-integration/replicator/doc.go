// Package integration exercises replication end to end: sqlite stores served
// by the websocket listener and replicated by the replicator.
package integration
